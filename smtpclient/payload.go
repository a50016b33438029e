package smtpclient

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedPayload is returned by WritePayload for types other than string
// and []byte.
var ErrUnsupportedPayload = errors.New("unsupported payload type")

var crlf = []byte("\r\n")

// WritePayload writes payload followed by CRLF. A string is written with CRLF
// in a single write. A []byte is written as is, followed by a separate write of
// CRLF.
func WritePayload(w io.Writer, payload any) error {
	switch p := payload.(type) {
	case string:
		_, err := io.WriteString(w, p+"\r\n")
		return err
	case []byte:
		if _, err := w.Write(p); err != nil {
			return err
		}
		_, err := w.Write(crlf)
		return err
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedPayload, payload)
	}
}
