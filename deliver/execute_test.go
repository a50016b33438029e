package deliver

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/mxsend/mlog"
)

// peer reads commands from conn and responds to each, recording what it received.
type peer struct {
	sync.Mutex
	received []string
}

func (p *peer) serve(conn net.Conn, first func()) {
	defer conn.Close()
	buf := make([]byte, 1024)
	for i := 0; ; i++ {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		p.Lock()
		p.received = append(p.received, string(buf[:n]))
		p.Unlock()
		if i == 0 && first != nil {
			first()
		}
		if _, err := conn.Write([]byte("250 ok\r\n")); err != nil {
			return
		}
	}
}

func (p *peer) commands() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string{}, p.received...)
}

func TestExecute(t *testing.T) {
	ctxbg := context.Background()
	log := mlog.New("deliver", nil)

	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	c3, s3 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	defer c3.Close()

	// Peers only respond to the first command when both have received it. If
	// connections were handled one after the other, this would never happen.
	var barrier sync.WaitGroup
	barrier.Add(2)
	first := func() {
		barrier.Done()
		barrier.Wait()
	}
	var p1, p2 peer
	go p1.serve(s1, first)
	go p2.serve(s2, first)

	// Third peer is gone.
	s3.Close()

	cmds1 := []string{"MAIL FROM:<a@example.org>", "RCPT TO:<b@a.example>", "DATA", "hi\r\n."}
	cmds2 := []string{"MAIL FROM:<a@example.org>", "RCPT TO:<c@b.example>", "DATA", "hi\r\n."}
	txs := Transactions{
		c1: cmds1,
		c2: cmds2,
		c3: {"MAIL FROM:<a@example.org>"},
	}

	results := Execute(ctxbg, log.Logger, txs, Options{IOTimeout: 5 * time.Second})
	if len(results) != 3 {
		t.Fatalf("got %d results, expected 3", len(results))
	}
	if err := results[c1]; err != nil {
		t.Fatalf("execute on first connection: %v", err)
	}
	if err := results[c2]; err != nil {
		t.Fatalf("execute on second connection: %v", err)
	}
	if err := results[c3]; err == nil {
		t.Fatalf("execute on closed connection succeeded")
	}

	check := func(p *peer, cmds []string) {
		t.Helper()
		var exp []string
		for _, cmd := range cmds {
			exp = append(exp, cmd+"\r\n")
		}
		if got := p.commands(); strings.Join(got, "|") != strings.Join(exp, "|") {
			t.Fatalf("peer received %q, expected %q", got, exp)
		}
	}
	check(&p1, cmds1)
	check(&p2, cmds2)
}

func TestExecuteCancel(t *testing.T) {
	log := mlog.New("deliver", nil)

	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	// Peer reads but never responds.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := s.Read(buf); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan map[net.Conn]error)
	go func() {
		done <- Execute(ctx, log.Logger, Transactions{c: {"DATA", "hi\r\n."}}, Options{})
	}()

	select {
	case results := <-done:
		if err := results[c]; err == nil {
			t.Fatalf("execute with canceled context succeeded")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("execute not interrupted by context")
	}

	// Already canceled context sends nothing.
	results := Execute(ctx, log.Logger, Transactions{c: {"DATA"}}, Options{})
	if err := results[c]; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, expected context deadline exceeded", err)
	}
}
