// Package mlog provides logging with log levels and fields, on top of log/slog.
//
// Each log level has a function to log with and without error. Each such function
// takes a varargs list of slog attributes. Variable data should be in attributes.
// Logging strings themselves should be constant, for easier log processing (e.g.
// building metrics based on log messages).
//
// The log levels can be configured per originating package, e.g. smtpclient,
// deliver, echo. The configuration is application-global, so each Log instance
// uses the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels. Useful for startup logging and subcommands.
//
// Fatal* stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Levels beyond those of slog.
const (
	LevelTrace slog.Level = -8
	LevelPrint slog.Level = 12 // Printed regardless of configured log level.
	LevelFatal slog.Level = 13 // Printed regardless of configured log level.
)

var LevelStrings = map[slog.Level]string{
	LevelTrace:      "trace",
	slog.LevelDebug: "debug",
	slog.LevelInfo:  "info",
	slog.LevelWarn:  "warn",
	slog.LevelError: "error",
	LevelPrint:      "print",
	LevelFatal:      "fatal",
}

var Levels = map[string]slog.Level{
	"trace": LevelTrace,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
	"print": LevelPrint,
	"fatal": LevelFatal,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Logfmt selects the logfmt-style output, "l=info m=..." instead of "info: ...".
var Logfmt bool

var (
	outMutex sync.Mutex
	out      io.Writer = os.Stderr
)

// SetOutput changes where log lines are written, stderr by default.
func SetOutput(w io.Writer) {
	outMutex.Lock()
	defer outMutex.Unlock()
	out = w
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps a slog.Logger with helper functions that take an error as separate
// parameter.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a logger
// writing through the package-level handler is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

// WithCid adds a field "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds cid from context, if present. Context are often passed to
// functions, especially between packages, to pass a "cid" for an operation.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to the logger. Each logged line adds these.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow, e.g. closing a file.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.logx(slog.LevelError, err, msg, attrs...)
	}
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, err, msg, attrs...)
	os.Exit(1)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(slog.LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(slog.LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(slog.LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelError, err, msg, attrs...)
}

// Trace logs data exchanged on a connection, e.g. an SMTP command or a response.
func (l Log) Trace(prefix string, data []byte) {
	if !l.Logger.Enabled(context.Background(), LevelTrace) {
		return
	}
	l.logx(LevelTrace, nil, prefix+string(data))
}

// handler is a slog.Handler that matches levels against the per-package
// configuration and writes a single line per record.
type handler struct {
	pkg   string
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelPrint {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	if v, ok := cl[h.pkg]; ok && h.pkg != "" {
		return level >= v
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "pkg" && h.group == "" {
			nh.pkg = a.Value.String()
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "."
	}
	nh.group += name
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level
	if level < LevelTrace {
		level = LevelTrace
	}
	name, ok := LevelStrings[level]
	if !ok {
		name = strings.ToLower(level.String())
	}

	var attrs []slog.Attr
	var errAttr *slog.Attr
	add := func(a slog.Attr) {
		if a.Key == "err" && errAttr == nil {
			errAttr = &a
			return
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
	}
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})

	// We build up a buffer so we can do a single atomic write of the data. Otherwise
	// partial log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", name, logfmtValue(r.Message))
		if errAttr != nil {
			fmt.Fprintf(b, " err=%s", logfmtValue(stringValue(errAttr.Value)))
		}
		for _, a := range attrs {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a.Value)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", name, logfmtValue(r.Message))
		if errAttr != nil {
			fmt.Fprintf(b, ": %s", logfmtValue(stringValue(errAttr.Value)))
		}
		if len(attrs) > 0 {
			b.WriteString(" (")
			for i, a := range attrs {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a.Value)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	outMutex.Lock()
	defer outMutex.Unlock()
	_, err := out.Write(b.Bytes())
	return err
}

func stringValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().Round(time.Microsecond).String()
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case fmt.Stringer:
			return x.String()
		}
	}
	return v.String()
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := fmt.Errorf("%s", strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use in http.Server.ErrorLog.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
