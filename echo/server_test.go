package echo

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mjl-/mxsend/mlog"
)

func startServer(t *testing.T) (*Server, chan error) {
	t.Helper()
	log := mlog.New("echo", nil)
	s, err := Listen(log.Logger, "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(context.Background())
	}()
	return s, served
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// xecho writes s and checks it is sent back.
func xecho(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	_, err := conn.Write([]byte(s))
	tcheck(t, err, "write")
	buf := make([]byte, len(s))
	_, err = io.ReadFull(conn, buf)
	tcheck(t, err, "read")
	if string(buf) != s {
		t.Fatalf("got %q, expected %q", buf, s)
	}
}

// xclosed checks the remote closed the connection.
func xclosed(t *testing.T, conn net.Conn) {
	t.Helper()
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Fatalf("read after close: got %d, %v, expected eof", n, err)
	}
}

func TestEcho(t *testing.T) {
	s, served := startServer(t)
	defer s.Terminate()

	conn := dial(t, s)
	defer conn.Close()

	xecho(t, conn, "EHLO client.example\r\n")
	xecho(t, conn, "quitting soon\r\n")
	xecho(t, conn, "\xff binary\r\n")

	// Line quit is not echoed, and closes the connection.
	_, err := conn.Write([]byte("quit\r\n"))
	tcheck(t, err, "write quit")
	xclosed(t, conn)

	// Other connections are not affected.
	conn2 := dial(t, s)
	defer conn2.Close()
	xecho(t, conn2, "hi\r\n")

	// Quit arriving together with earlier lines: the earlier lines are echoed,
	// quit closes the connection.
	_, err = conn2.Write([]byte("data\r\nquit\r\n"))
	tcheck(t, err, "write data and quit")
	buf := make([]byte, len("data\r\n"))
	_, err = io.ReadFull(conn2, buf)
	tcheck(t, err, "read echoed data")
	if string(buf) != "data\r\n" {
		t.Fatalf("got %q, expected data line", buf)
	}
	xclosed(t, conn2)

	s.Terminate()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestQuitOffset(t *testing.T) {
	test := func(s string, lineStart bool, expect int) {
		t.Helper()
		if got := quitOffset([]byte(s), lineStart); got != expect {
			t.Fatalf("quit offset for %q (linestart %v): got %d, expected %d", s, lineStart, got, expect)
		}
	}

	test("quit", true, 0)
	test("quit\r\n", true, 0)
	test("quit\n", true, 0)
	test("QUIT\r\n", true, -1)
	test("quit now\r\n", true, -1)
	test(" quit\r\n", true, -1)
	test("", true, -1)
	test("hello\r\nquit\r\n", true, 7)
	test("hello\r\nquit", true, 7)
	test("hello\r\nquitting\r\nquit\r\n", true, 17)
	test("one\ntwo\n", true, -1)

	// Continuation of a line from a previous read.
	test("quit\r\n", false, -1)
	test("quit\r\nquit\r\n", false, 6)
}

func TestShutdown(t *testing.T) {
	s, served := startServer(t)

	conn := dial(t, s)
	defer conn.Close()
	xecho(t, conn, "before\r\n")

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- s.Shutdown(ctx)
	}()

	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}

	// New connections are refused.
	if c, err := net.Dial("tcp", s.Addr().String()); err == nil {
		c.Close()
		t.Fatalf("dial after shutdown succeeded")
	}

	// Active connection continues until client quits.
	xecho(t, conn, "during\r\n")
	select {
	case err := <-shutdown:
		t.Fatalf("shutdown finished with active connection: %v", err)
	default:
	}
	_, err := conn.Write([]byte("quit\r\n"))
	tcheck(t, err, "write quit")
	if err := <-shutdown; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownTimeout(t *testing.T) {
	s, served := startServer(t)

	conn := dial(t, s)
	defer conn.Close()
	xecho(t, conn, "idle\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown: got %v, expected deadline exceeded", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	xclosed(t, conn)
}

func TestTerminate(t *testing.T) {
	s, served := startServer(t)

	conn := dial(t, s)
	defer conn.Close()
	xecho(t, conn, "hello\r\n")

	s.Terminate()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	xclosed(t, conn)

	// Calling again is fine.
	s.Terminate()
}

func TestServeContext(t *testing.T) {
	log := mlog.New("echo", nil)
	s, err := Listen(log.Logger, "127.0.0.1", 0)
	tcheck(t, err, "listen")

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(ctx)
	}()

	conn := dial(t, s)
	defer conn.Close()
	xecho(t, conn, "hello\r\n")

	cancel()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	xclosed(t, conn)
}
