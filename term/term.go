// Package term adapts the guest console to the host terminal.
package term

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Console returns w itself unless w is a terminal, in which case bare
// line feeds from the guest are written as CR LF.
func Console(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok && IsTerminal(f) {
		return CRLF(w)
	}

	return w
}

// CRLF writes every bare line feed to w as CR LF.
func CRLF(w io.Writer) io.Writer {
	return &crlf{w: w}
}

type crlf struct {
	w    io.Writer
	last byte
}

func (c *crlf) Write(p []byte) (int, error) {
	var buf bytes.Buffer

	for _, b := range p {
		if b == '\n' && c.last != '\r' {
			buf.WriteByte('\r')
		}

		buf.WriteByte(b)
		c.last = b
	}

	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	return len(p), nil
}
