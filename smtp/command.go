// Package smtp provides SMTP definitions and functions shared between
// packages, such as address parsing and the commands of a mail transaction.
package smtp

import (
	"strings"
)

// CRLF terminates each line on the wire.
const CRLF = "\r\n"

// Ehlo returns the greeting command for our host name, without CRLF.
func Ehlo(fqdn string) string {
	return "EHLO " + fqdn
}

// MailFrom returns the command starting a transaction for sender.
func MailFrom(sender string) string {
	return "MAIL FROM:<" + sender + ">"
}

// RcptTo returns the command adding a recipient.
func RcptTo(rcpt string) string {
	return "RCPT TO:<" + rcpt + ">"
}

// Data is the command announcing the message body.
const Data = "DATA"

// DataBody returns the message body followed by the end-of-data marker
// "\r\n.". No dot-stuffing is done.
func DataBody(body string) string {
	return body + CRLF + "."
}

// Line returns s terminated with CRLF, adding it only when absent.
func Line(s string) string {
	if strings.HasSuffix(s, CRLF) {
		return s
	}
	return s + CRLF
}
