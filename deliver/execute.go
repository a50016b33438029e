package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mjl-/mxsend/metrics"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/smtpclient"
	"github.com/mjl-/mxsend/stub"
)

var (
	MetricTransaction stub.HistogramVec = stub.HistogramVecIgnore{}
)

var errPanic = errors.New("unhandled panic")

// Execute sends the commands of each connection in txs, concurrently for all
// connections and in order for a single connection. After each command, one
// response is read and ignored. Execute returns when all connections are done,
// with the result for each connection. An error stops sending on that
// connection only.
//
// When ctx is canceled, pending i/o on the connections fails immediately.
func Execute(ctx context.Context, elog *slog.Logger, txs Transactions, opts Options) map[net.Conn]error {
	log := mlog.New("deliver", elog).WithContext(ctx)

	var mu sync.Mutex
	results := map[net.Conn]error{}

	var wg sync.WaitGroup
	for conn, cmds := range txs {
		wg.Add(1)
		go func(conn net.Conn, cmds []string) {
			defer wg.Done()

			var err error
			defer func() {
				if x := recover(); x != nil {
					log.Error("unhandled panic", slog.Any("err", x))
					debug.PrintStack()
					metrics.PanicInc(metrics.Deliver)
					err = fmt.Errorf("%w: %v", errPanic, x)
				}
				mu.Lock()
				defer mu.Unlock()
				results[conn] = err
			}()
			err = run(ctx, log, conn, cmds, opts)
		}(conn, cmds)
	}
	wg.Wait()
	return results
}

// run sends cmds on conn, one by one.
func run(ctx context.Context, log mlog.Log, conn net.Conn, cmds []string, opts Options) (rerr error) {
	log = log.With(slog.Any("remote", conn.RemoteAddr()))
	start := time.Now()
	defer func() {
		result := "ok"
		if rerr != nil {
			result = "error"
		}
		MetricTransaction.ObserveLabels(float64(time.Since(start))/float64(time.Second), result)
		log.Debugx("transactions done", rerr, slog.Int("commands", len(cmds)), slog.Duration("duration", time.Since(start)))
	}()

	stop := context.AfterFunc(ctx, func() {
		// Interrupt pending reads and writes.
		conn.SetDeadline(time.Now())
	})
	defer stop()

	c := smtpclient.New(conn, log.Logger, smtpclient.Opts{
		ResponseBufferSize: opts.ResponseBufferSize,
		IOTimeout:          opts.IOTimeout,
	})
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.Command(cmd); err != nil {
			return err
		}
	}
	return nil
}
