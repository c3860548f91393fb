package pmap

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/keydex/keydex/keydex_errors"
)

// Externalizer is the serialization contract for keys and values kept in
// persistent maps. Save and Read must round-trip: Read(Save(v)) == v under
// the user's equality.
type Externalizer[T any] interface {
	Save(w *bytes.Buffer, v T) error
	Read(r *bytes.Reader) (T, error)
}

type Uint32Externalizer struct{}

func (Uint32Externalizer) Save(w *bytes.Buffer, v uint32) error {
	var buf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(buf[:], uint64(v))
	_, err := w.Write(buf[:n])
	return err
}

func (Uint32Externalizer) Read(r *bytes.Reader) (uint32, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, keydex_errors.ErrBadHashId
	}
	return uint32(v), nil
}

type BytesExternalizer struct{}

func (BytesExternalizer) Save(w *bytes.Buffer, v []byte) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(v)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := w.Write(v)
	return err
}

func (BytesExternalizer) Read(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	v := make([]byte, n)
	if _, err := io.ReadFull(r, v); err != nil {
		return nil, err
	}
	return v, nil
}

type StringExternalizer struct{}

func (StringExternalizer) Save(w *bytes.Buffer, v string) error {
	return BytesExternalizer{}.Save(w, []byte(v))
}

func (StringExternalizer) Read(r *bytes.Reader) (string, error) {
	b, err := BytesExternalizer{}.Read(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SliceExternalizer writes a varint element count followed by the elements.
type SliceExternalizer[T any] struct {
	Elem Externalizer[T]
}

func (s SliceExternalizer[T]) Save(w *bytes.Buffer, v []T) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(v)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	for _, e := range v {
		if err := s.Elem.Save(w, e); err != nil {
			return err
		}
	}
	return nil
}

func (s SliceExternalizer[T]) Read(r *bytes.Reader) ([]T, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := uint64(0); i < n; i++ {
		e, err := s.Elem.Read(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func Encode[T any](ext Externalizer[T], v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := ext.Save(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode[T any](ext Externalizer[T], data []byte) (T, error) {
	return ext.Read(bytes.NewReader(data))
}
