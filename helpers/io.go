package helpers

import (
	"io"
	"time"
)

func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == len(b) {
			return nil
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// WriteAllTimeout sets write deadline if w supports it (net.Conn does).
// Zero timeout means no deadline.
func WriteAllTimeout(w io.Writer, b []byte, timeout time.Duration) error {
	if wd, ok := w.(writeDeadliner); ok && timeout > 0 {
		if err := wd.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() { _ = wd.SetWriteDeadline(time.Time{}) }()
	}
	return WriteAll(w, b)
}
