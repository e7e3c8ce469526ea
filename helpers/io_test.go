package helpers

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAll(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(nil)
	content := []byte("<iq type='set' id='0'/>")
	tw := &throttleWriter{buf, 7}
	n, err := tw.Write(content[:2])
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, buf.Len())
	buf.Reset()
	n, err = tw.Write(content)
	assert.NoError(t, err)
	assert.Equal(t, tw.n, n)
	assert.Equal(t, tw.n, buf.Len())
	buf.Reset()
	err = WriteAll(tw, content)
	assert.NoError(t, err)
	assert.Equal(t, content, buf.Bytes())

	assert.Equal(t, io.ErrShortWrite, WriteAll(&throttleWriter{buf, 0}, content))
}

func TestWriteAllTimeout(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	// nobody reads from b
	err := WriteAllTimeout(a, []byte("stuck"), 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, "timeout", ShortNetError(err))

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(b, buf)
		done <- buf
	}()
	require.NoError(t, WriteAllTimeout(a, []byte("fresh"), time.Second))
	assert.Equal(t, []byte("fresh"), <-done)
}

type throttleWriter struct {
	w io.Writer
	n int
}

func (tw *throttleWriter) Write(p []byte) (n int, err error) {
	limit := len(p)
	if limit > tw.n {
		limit = tw.n
	}
	return tw.w.Write(p[:limit])
}
