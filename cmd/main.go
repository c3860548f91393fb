package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keydex/keydex"
	"github.com/keydex/keydex/testutils"
	"github.com/keydex/keydex/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("update"),
	readline.PcItem("delete"),
	readline.PcItem("get"),
	readline.PcItem("keys"),

	readline.PcItem("buffer",
		readline.PcItem("on"),
		readline.PcItem("off"),
		readline.PcItem("drop"),
	),

	readline.PcItem("flush"),
	readline.PcItem("clear"),
	readline.PcItem("stats"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const help = `keydex shell, a whitespace-tokenizing string index
  update <id> <text...>   index text under input id
  delete <id>             remove the input from the index
  get <key>               show the (inputId, value) entries for key
  keys                    list every indexed key
  buffer on|off|drop      start, commit or discard the in-memory overlay
  flush                   force all maps to disk
  clear                   wipe the index and recreate backing files
  stats                   indexer invocation count and metrics
  exit                    flush, dispose and leave
`

type shell struct {
	index    *keydex.MapReduceIndex[string, string]
	calls    *atomic.Int64
	registry *prometheus.Registry
}

func (s *shell) run(cmd, rest string) (string, error) {
	switch cmd {
	case "help":
		return help, nil
	case "update":
		id, text, err := splitIdArg(rest)
		if err != nil {
			return "", err
		}
		apply, err := s.index.Update(context.Background(), id, testutils.Content(text))
		if err != nil {
			return "", err
		}
		if !apply() {
			return "update failed, rebuild requested", nil
		}
		return "ok", nil
	case "delete":
		id, _, err := splitIdArg(rest)
		if err != nil {
			return "", err
		}
		apply, err := s.index.Update(context.Background(), id, nil)
		if err != nil {
			return "", err
		}
		if !apply() {
			return "delete failed, rebuild requested", nil
		}
		return "ok", nil
	case "get":
		key := strings.TrimSpace(rest)
		if key == "" {
			return "", fmt.Errorf("usage: get <key>")
		}
		c, err := s.index.GetData(key)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		c.Process(func(inputId uint32, value string) bool {
			fmt.Fprintf(&b, "%d\t%s\n", inputId, value)
			return true
		})
		if b.Len() == 0 {
			return "(empty)", nil
		}
		return b.String(), nil
	case "keys":
		var b strings.Builder
		_, err := s.index.ProcessAllKeys(func(k string) bool {
			b.WriteString(k)
			b.WriteByte('\n')
			return true
		}, nil)
		if err != nil {
			return "", err
		}
		if b.Len() == 0 {
			return "(empty)", nil
		}
		return b.String(), nil
	case "buffer":
		switch strings.TrimSpace(rest) {
		case "on":
			s.index.SetBufferingEnabled(true)
			return "buffering on", nil
		case "off":
			s.index.SetBufferingEnabled(false)
			return "buffering off", nil
		case "drop":
			s.index.ClearMemoryData()
			return "buffered data dropped", nil
		}
		return "", fmt.Errorf("usage: buffer on|off|drop")
	case "flush":
		return "flushed", s.index.Flush()
	case "clear":
		return "cleared", s.index.Clear()
	case "stats":
		var b strings.Builder
		fmt.Fprintf(&b, "indexer invocations: %d\n", s.calls.Load())
		families, err := s.registry.Gather()
		if err != nil {
			return "", err
		}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				var v float64
				switch {
				case m.GetCounter() != nil:
					v = m.GetCounter().GetValue()
				case m.GetGauge() != nil:
					v = m.GetGauge().GetValue()
				case m.GetHistogram() != nil:
					v = float64(m.GetHistogram().GetSampleCount())
				default:
					continue
				}
				fmt.Fprintf(&b, "%s%s %g\n", mf.GetName(), labelString(m), v)
			}
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("unknown command %q, try help", cmd)
}

func labelString(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func splitIdArg(rest string) (uint32, string, error) {
	rest = strings.TrimSpace(rest)
	idStr, text, _ := strings.Cut(rest, " ")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		return 0, "", fmt.Errorf("expected a positive input id, got %q", idStr)
	}
	return uint32(id), strings.TrimSpace(text), nil
}

func main() {
	dir := "keydex-data"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	ext, calls := testutils.NewTokenizingExtension("tokens", true)
	index, err := keydex.Open(ext, keydex.Options{
		RootDir: dir,
		Logger:  utils.NewDefaultLogger(slog.LevelInfo),
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	sh := &shell{index: index, calls: calls}

	registry := prometheus.NewRegistry()
	keydex.RegisterMetrics(registry)
	registry.MustRegister(index.Collectors()...)
	sh.registry = registry

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".keydex_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	rl.CaptureExitSignal()
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt && len(line) != 0 {
			continue
		}
		if err == io.EOF || err == readline.ErrInterrupt {
			break
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		if cmd == "exit" || cmd == "quit" {
			break
		}
		out, err := sh.run(cmd, rest)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			continue
		}
		fmt.Println(out)
	}

	if err := index.Flush(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
	}
	if err := index.Dispose(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
	}
}
