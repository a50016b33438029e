// Package echo implements a server that sends back all data it receives on a
// connection, until the client sends a line "quit". It is used as a local peer
// for testing deliveries.
package echo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mxsend/metrics"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/moxio"
)

var (
	metricConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mxsend_echo_connections_count",
			Help: "Open echo connections.",
		},
	)
	metricBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mxsend_echo_bytes_total",
			Help: "Bytes echoed back to clients.",
		},
	)
)

// ReadSize is the maximum number of bytes read, and echoed, at a time.
const ReadSize = 255

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Server is an echo server on a single listener.
type Server struct {
	log mlog.Log
	ln  net.Listener

	// Canceled by Shutdown and Terminate.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen returns a server listening on host and port. Port 0 picks a free port,
// see Addr. Call Serve to accept connections.
func Listen(elog *slog.Logger, host string, port int) (*Server, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:    mlog.New("echo", elog),
		ln:     ln,
		ctx:    ctx,
		cancel: cancel,
		conns:  map[net.Conn]struct{}{},
	}
	s.log.Print("listening for echo", slog.String("address", ln.Addr().String()))
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until the listener is closed by Shutdown or
// Terminate, after which nil is returned. When ctx is canceled, the server is
// terminated.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Terminate)
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.register(conn) {
			conn.Close()
			continue
		}
		go s.serve(cid.Add(1), conn)
	}
}

// register adds conn for closing on Terminate, returning false if the server
// is already stopping.
func (s *Server) register(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	metricConnections.Inc()
	return true
}

func (s *Server) unregister(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	metricConnections.Dec()
	s.wg.Done()
}

func (s *Server) serve(cid int64, conn net.Conn) {
	log := s.log.WithCid(cid).With(slog.Any("remote", conn.RemoteAddr()))

	defer s.unregister(conn)
	defer func() {
		err := conn.Close()
		if err != nil && !moxio.IsClosed(err) {
			log.Check(err, "closing connection")
		}
	}()
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("unhandled panic", slog.Any("err", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Echo)
	}()

	log.Debug("new connection")
	r := moxio.NewTraceReader(log, "C: ", conn)
	w := moxio.NewTraceWriter(log, "S: ", conn)

	buf := make([]byte, ReadSize)
	lineStart := true // Whether buf starts at the beginning of a line.
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			quit := quitOffset(data, lineStart)
			if quit >= 0 {
				data = data[:quit]
			}
			if len(data) > 0 {
				if _, err := w.Write(data); err != nil {
					log.Debugx("writing echo", err)
					return
				}
				metricBytes.Add(float64(len(data)))
			}
			if quit >= 0 {
				log.Debug("client quit")
				return
			}
			lineStart = buf[n-1] == '\n'
		}
		if err != nil {
			if moxio.IsClosed(err) {
				log.Debugx("connection closed", err)
			} else {
				log.Infox("reading from connection", err)
			}
			return
		}
	}
}

// quitOffset returns the offset in buf of the first line that is "quit", or -1.
// The line can end in CRLF, LF, or at the end of buf. If lineStart is false,
// buf continues a line from a previous read, and its first line is not checked.
func quitOffset(buf []byte, lineStart bool) int {
	o := 0
	for o < len(buf) {
		line := buf[o:]
		next := len(buf)
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i+1]
			next = o + i + 1
		}
		if (o > 0 || lineStart) && string(bytes.TrimRight(line, "\r\n")) == "quit" {
			return o
		}
		o = next
	}
	return -1
}

// Shutdown stops accepting new connections and waits for active connections to
// finish. If ctx expires first, remaining connections are closed and the context
// error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Print("echo server shut down")
		return nil
	case <-ctx.Done():
		s.Terminate()
		return ctx.Err()
	}
}

// Terminate closes the listener and all connections immediately, and waits for
// their handlers to finish.
func (s *Server) Terminate() {
	s.stop()

	s.mu.Lock()
	for conn := range s.conns {
		if err := conn.Close(); err != nil && !moxio.IsClosed(err) {
			s.log.Errorx("closing connection for terminate", err)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.cancel()
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Errorx("closing listener", err)
	}
}
