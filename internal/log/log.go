// Package log provides tracing output for the kernel and its tools.
//
// It is a thin veneer over log/slog: kernel subsystems log through ordinary
// slog loggers, and the package contributes a compact single-line handler suited to watching a trace of
// scheduler decisions and message traffic scroll past.
package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	// DefaultLogger returns a new formatted logger writing to standard error.
	// Each call builds a fresh logger.
	DefaultLogger = func() *Logger { return NewFormattedLogger(os.Stderr) }

	// LogLevel holds the global log level. It may be changed at runtime.
	LogLevel = &slog.LevelVar{}
)

// NewFormattedLogger returns a logger writing compact trace lines to out.
func NewFormattedLogger(out io.Writer) *Logger {
	return slog.New(NewHandler(out))
}

// Handler implements slog.Handler. Records are rendered one per line:
//
//	LEVEL group: message key=value key=value
//
// The "group: " prefix appears only on handlers derived with WithGroup.
type Handler struct {
	mut *sync.Mutex // Synchronizes writer.
	out io.Writer

	attrs []Attr
	group string
}

// NewHandler creates a Handler writing to out.
func NewHandler(out io.Writer) *Handler {
	return &Handler{
		mut: new(sync.Mutex),
		out: out,
	}
}

// Enabled returns true if the level is at or above the global log level.
func (h *Handler) Enabled(_ context.Context, level Level) bool {
	return level >= LogLevel.Level()
}

// Handle formats and writes a single log record.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	buf := bytes.Buffer{}

	fmt.Fprintf(&buf, "%-5s ", rec.Level.String())

	if h.group != "" {
		fmt.Fprintf(&buf, "%s: ", h.group)
	}

	buf.WriteString(rec.Message)

	for _, a := range h.attrs {
		h.appendAttr(&buf, a)
	}

	rec.Attrs(func(attr Attr) bool {
		h.appendAttr(&buf, attr)
		return true
	})

	buf.WriteByte('\n')

	h.mut.Lock()
	defer h.mut.Unlock()

	_, err := h.out.Write(buf.Bytes())

	return err
}

func (h *Handler) appendAttr(buf *bytes.Buffer, attr Attr) {
	attr.Value = attr.Value.Resolve()

	if attr.Equal(Attr{}) {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		for _, a := range attr.Value.Group() {
			h.appendAttr(buf, a)
		}

		return
	}

	fmt.Fprintf(buf, " %s=%v", attr.Key, attr.Value.Any())
}

// WithGroup returns a handler that prefixes messages with the group name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	attrs := make([]Attr, len(h.attrs))
	copy(attrs, h.attrs)

	return &Handler{
		mut:   h.mut,
		out:   h.out,
		attrs: attrs,
		group: name,
	}
}

// WithAttrs returns a handler that appends attrs to every record.
func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	as := make([]Attr, 0, len(h.attrs)+len(attrs))
	as = append(as, h.attrs...)
	as = append(as, attrs...)

	return &Handler{
		mut:   h.mut,
		out:   h.out,
		attrs: as,
		group: h.group,
	}
}

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
	Value  = slog.Value
)

var (
	Any         = slog.Any
	Group       = slog.Group
	GroupValue  = slog.GroupValue
	Int         = slog.Int
	Int64       = slog.Int64
	String      = slog.String
	StringValue = slog.StringValue
	Uint64      = slog.Uint64

	New        = slog.New
	SetDefault = slog.SetDefault
)

const (
	Debug = slog.LevelDebug
	Info  = slog.LevelInfo
	Warn  = slog.LevelWarn
	Error = slog.LevelError
)
