package smtpclient

import (
	"errors"
	"reflect"
	"testing"
)

// writes records each write separately.
type writes [][]byte

func (w *writes) Write(buf []byte) (int, error) {
	*w = append(*w, append([]byte{}, buf...))
	return len(buf), nil
}

type failWriter struct{}

func (failWriter) Write(buf []byte) (int, error) {
	return 0, errors.New("write failed")
}

func TestWritePayload(t *testing.T) {
	test := func(payload any, exp []string, expErr error) {
		t.Helper()
		var w writes
		err := WritePayload(&w, payload)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("write payload %v: got err %v, expected %v", payload, err, expErr)
		}
		var got []string
		for _, b := range w {
			got = append(got, string(b))
		}
		if !reflect.DeepEqual(got, exp) {
			t.Fatalf("write payload %v: got writes %q, expected %q", payload, got, exp)
		}
	}

	test("EHLO mail.example", []string{"EHLO mail.example\r\n"}, nil)
	test([]byte("EHLO mail.example"), []string{"EHLO mail.example", "\r\n"}, nil)
	test("", []string{"\r\n"}, nil)
	test(123, nil, ErrUnsupportedPayload)
	test(nil, nil, ErrUnsupportedPayload)

	if err := WritePayload(failWriter{}, []byte("x")); err == nil || errors.Is(err, ErrUnsupportedPayload) {
		t.Fatalf("got err %v, expected write error", err)
	}
}
