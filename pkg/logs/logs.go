// Package logs builds the logger of deepff.
//
// Records are fanned out to a text handler (terminal), a JSON handler (log file)
// and, when requested and reachable, systemd journal.
// Components take *log.Logger derived from it and prefix it with their names.
package logs

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

type Options struct {
	// debug, info, warn or error. default = info
	Level string

	// terminal output. default = os.Stderr
	Terminal io.Writer

	// path to JSON log file. Empty means no file.
	File string

	// send records to systemd journal, too.
	Journal bool
}

// ParseLevel converts level names in configuration into slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}

// New builds a logger.
//
// returns:
//   - *slog.Logger
//   - io.Closer: closes the log file. Call this when the logger is no longer used.
//   - error
func New(opts Options) (*slog.Logger, io.Closer, error) {
	lv, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lv)

	terminal := opts.Terminal
	if terminal == nil {
		terminal = os.Stderr
	}
	terminalHandler := slog.NewTextHandler(terminal, &slog.HandlerOptions{Level: level})
	handlers := []slog.Handler{terminalHandler}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		closer = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	if opts.Journal {
		journalHandler, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			record := slog.NewRecord(time.Now(), slog.LevelWarn, "new systemd journal handler", 0)
			record.Add("error", err)
			_ = terminalHandler.Handle(context.Background(), record)
		} else {
			handlers = append(handlers, journalHandler)
		}
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	str = strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
	return str
}

// Std returns *log.Logger which writes into l at info level.
func Std(l *slog.Logger) *log.Logger {
	return slog.NewLogLogger(l.Handler(), slog.LevelInfo)
}

type LoggerOptions func(*log.Logger) *log.Logger

// ByLogger applies options to l in order.
func ByLogger(l *log.Logger, opt ...LoggerOptions) *log.Logger {
	for _, o := range opt {
		l = o(l)
	}
	return l
}

// Copied makes a new logger sharing the writer. Options after this do not affect the original.
func Copied() LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		return log.New(l.Writer(), l.Prefix(), l.Flags())
	}
}

func WithPrefix(pre string) LoggerOptions {
	return func(l *log.Logger) *log.Logger {
		l.SetPrefix(pre)
		return l
	}
}

// Prefixed is shorthand of ByLogger(l, Copied(), WithPrefix(pre)).
func Prefixed(l *log.Logger, pre string) *log.Logger {
	return ByLogger(l, Copied(), WithPrefix(pre))
}
