// Package smtpclient finds and connects to the mail exchangers of recipient
// domains, and runs SMTP commands on the resulting connections.
//
// Delivering to a domain involves:
//  1. Resolving the MX records of the domain, sorted by preference, with a
//     Target from NewTarget (or ResolveDomain directly).
//  2. Looking up the IP addresses of each MX host, with GatherIPs.
//  3. Dialing the hosts in order of preference and greeting with EHLO, with Dial.
//  4. Sending the commands of a mail transaction with a Client from New.
//
// Only the bare protocol is spoken: no TLS, no authentication, and responses are
// read but their status codes are not interpreted.
package smtpclient

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/moxio"
	"github.com/mjl-/mxsend/smtp"
	"github.com/mjl-/mxsend/stub"
)

var (
	MetricCommands stub.HistogramVec = stub.HistogramVecIgnore{}
)

var (
	ErrBotched = errors.New("smtp connection is botched") // Set on a client, and returned for new operations, after an i/o error.
)

// DefaultResponseBufferSize is the maximum number of bytes read as the response
// to a command.
const DefaultResponseBufferSize = 255

// Error is an i/o failure while running a command.
type Error struct {
	// SMTP command causing failure, e.g. "mail", "rcpt", "data" or "message" for
	// a message body.
	Command string
	// Underlying error, e.g. ErrBotched or an i/o error.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

func (e Error) Error() string {
	return fmt.Sprintf("command %s: %v", e.Command, e.Err)
}

// Opts influence the behaviour of Client.
type Opts struct {
	// Maximum number of bytes read as response to a command. Defaults to
	// DefaultResponseBufferSize.
	ResponseBufferSize int

	// If > 0, deadline for writing a command and reading its response.
	IOTimeout time.Duration
}

// Client runs commands on an established connection. Each command is sent in
// a single write, followed by a single read for the response, whose content is
// only logged. A Client is not safe for concurrent use.
type Client struct {
	conn      net.Conn
	r         *moxio.TraceReader
	w         *moxio.TraceWriter
	log       mlog.Log
	buf       []byte
	ioTimeout time.Duration
	botched   bool // If set, an earlier i/o error occurred and no further commands can be sent.
}

// New returns a client for conn, typically returned by Dial. The caller remains
// responsible for closing conn.
func New(conn net.Conn, elog *slog.Logger, opts Opts) *Client {
	log := mlog.New("smtpclient", elog).With(slog.Any("remote", conn.RemoteAddr()))
	size := opts.ResponseBufferSize
	if size <= 0 {
		size = DefaultResponseBufferSize
	}
	return &Client{
		conn:      conn,
		r:         moxio.NewTraceReader(log, "RS: ", conn),
		w:         moxio.NewTraceWriter(log, "LC: ", conn),
		log:       log,
		buf:       make([]byte, size),
		ioTimeout: opts.IOTimeout,
	}
}

// Command writes cmd, with CRLF added if not present, and reads the response.
// The returned response is only valid until the next call.
func (c *Client) Command(cmd string) (response []byte, rerr error) {
	name := commandName(cmd)
	if c.botched {
		return nil, Error{name, ErrBotched}
	}

	start := time.Now()
	defer func() {
		result := "ok"
		if rerr != nil {
			c.botched = true
			result = "error"
			if moxio.IsTimeout(rerr) {
				result = "timeout"
			}
			rerr = Error{name, rerr}
		}
		MetricCommands.ObserveLabels(float64(time.Since(start))/float64(time.Second), name, result)
		c.log.Debugx("smtpclient command result", rerr,
			slog.String("cmd", name),
			slog.Int("responsesize", len(response)),
			slog.Duration("duration", time.Since(start)))
	}()

	if c.ioTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}
	if _, err := c.w.Write([]byte(smtp.Line(cmd))); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	n, err := c.r.Read(c.buf)
	if n == 0 && err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return c.buf[:n], nil
}

// commandName returns a lower case name of the command for logging and
// metrics, without arguments or message content.
func commandName(cmd string) string {
	s := strings.ToUpper(cmd)
	for _, p := range []string{"EHLO ", "MAIL FROM:", "RCPT TO:", "DATA\r\n"} {
		if strings.HasPrefix(s, p) {
			return strings.ToLower(strings.SplitN(strings.TrimSuffix(p, "\r\n"), " ", 2)[0])
		}
	}
	if s == smtp.Data {
		return "data"
	}
	return "message"
}
