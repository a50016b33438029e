// Package deliver sends a message to recipients at one or more domains, over a
// single connection per domain.
//
// Delivery happens in two phases. First, Open resolves the mail exchangers of all
// recipient domains and connects to one for each domain, concurrently. Then
// Execute runs the transactions built by Build (or Prepare) on all connections
// concurrently. Mail combines both.
package deliver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mjl-/mxsend/dns"
	"github.com/mjl-/mxsend/mlog"
	"github.com/mjl-/mxsend/smtp"
)

// Result of delivering a message.
type Result struct {
	// Domains for which all transactions were sent, sorted by name.
	Delivered []dns.Domain

	// Domains that could not be resolved or connected to, or for which sending a
	// transaction failed.
	Failed map[dns.Domain]error

	// Recipients that were skipped because no connection was available for
	// their domain.
	Skipped []string
}

// Prepare builds the transactions for env on the connections of sess. Recipients
// at domains without connection are left out and returned as skipped.
func Prepare(sess *Session, env Envelope) (txs Transactions, skipped []string, rerr error) {
	var rcpts []string
	for _, rcpt := range env.Recipients {
		d, err := smtp.DomainOf(rcpt)
		if err != nil {
			return nil, nil, fmt.Errorf("recipient %q: %w", rcpt, err)
		}
		if _, ok := sess.Conn(d); ok {
			rcpts = append(rcpts, rcpt)
		} else {
			skipped = append(skipped, rcpt)
		}
	}
	env.Recipients = rcpts
	txs, err := Build(env, sess)
	if err != nil {
		return nil, nil, err
	}
	return txs, skipped, nil
}

// Mail delivers env to its recipients. The error is only non-nil for invalid
// recipient addresses, delivery failures for domains are in the result.
// Connections are closed before returning.
func Mail(ctx context.Context, elog *slog.Logger, opts Options, env Envelope) (Result, error) {
	log := mlog.New("deliver", elog).WithContext(ctx)

	sess, err := Open(ctx, log.Logger, opts, env.Recipients)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	txs, skipped, err := Prepare(sess, env)
	if err != nil {
		return Result{}, err
	}
	errs := Execute(ctx, log.Logger, txs, opts)

	result := Result{Failed: map[dns.Domain]error{}, Skipped: skipped}
	for d, err := range sess.Failures {
		result.Failed[d] = err
	}
	for conn, err := range errs {
		d, ok := sess.domainOf(conn)
		if !ok {
			continue
		}
		if err != nil {
			result.Failed[d] = err
		}
	}
	for _, d := range sess.Domains() {
		if _, failed := result.Failed[d]; !failed {
			result.Delivered = append(result.Delivered, d)
		}
	}
	log.Info("mail delivered",
		slog.String("sender", env.Sender),
		slog.Int("recipients", len(env.Recipients)),
		slog.Any("delivered", result.Delivered),
		slog.Int("failed", len(result.Failed)),
		slog.Int("skipped", len(skipped)))
	return result, nil
}
