package moxio

import (
	"io"

	"github.com/mjl-/mxsend/mlog"
)

// TraceWriter logs all data written, at trace level.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
}

// NewTraceWriter wraps "w" into a writer that logs all writes to "log" with
// log level trace, prefixed with "prefix".
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w}
}

// Write logs a trace line for buf, then writes it in a single write.
func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.prefix, buf)
	return w.w.Write(buf)
}

// TraceReader logs all data read, at trace level.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
}

// NewTraceReader wraps reader "r" into a reader that logs all reads to "log"
// with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r}
}

// Read does a single Read on its underlying reader, logs data of successful
// reads, and returns the data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.prefix, buf[:n])
	}
	return n, err
}
