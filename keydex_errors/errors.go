// Provides common keydex error definitions.
package keydex_errors

import "errors"

var (
	ErrStorage  = errors.New("keydex: storage failure")
	ErrClosed   = errors.New("keydex: index is closed")
	ErrDisposed = errors.New("keydex: index is disposed")

	ErrMapClosed   = errors.New("keydex: persistent map is closed")
	ErrBadContents = errors.New("keydex: bad serialized indexed data")
	ErrBadHashId   = errors.New("keydex: hash id out of range")
)
