package deliver

import (
	"fmt"
	"net"

	"github.com/mjl-/mxsend/smtp"
)

// Envelope is a message with its sender and recipients.
type Envelope struct {
	Sender     string
	Recipients []string
	Body       string
}

// Transactions holds the commands to send on each connection, in order.
type Transactions map[net.Conn][]string

// Build returns the commands for delivering env to its recipients, grouped by
// the connection in reg for the domain of each recipient.
//
// For each recipient, a full transaction is added: MAIL FROM, RCPT TO, DATA and
// the body terminated by "\r\n.". Recipients sharing a connection each get
// their own transaction, they are not combined into one.
//
// A malformed recipient address results in an error wrapping
// smtp.ErrMalformedAddress. A recipient for whose domain reg has no connection
// is a programming error, and causes a panic.
func Build(env Envelope, reg Registry) (Transactions, error) {
	txs := Transactions{}
	for _, rcpt := range env.Recipients {
		d, err := smtp.DomainOf(rcpt)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", rcpt, err)
		}
		conn, ok := reg.Conn(d)
		if !ok {
			panic(fmt.Sprintf("no connection for domain %s of recipient %q", d, rcpt))
		}
		txs[conn] = append(txs[conn],
			smtp.MailFrom(env.Sender),
			smtp.RcptTo(rcpt),
			smtp.Data,
			smtp.DataBody(env.Body),
		)
	}
	return txs, nil
}
