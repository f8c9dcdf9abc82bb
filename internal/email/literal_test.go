package email

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLiteral declares a length independent of the bytes it yields.
type fakeLiteral struct {
	r   io.Reader
	len int
}

func (l *fakeLiteral) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *fakeLiteral) Len() int                   { return l.len }

func TestReadLiteralExactLength(t *testing.T) {
	data := []byte("Subject: hi\r\n\r\nbody {12}\r\nnot framing")
	got, err := readLiteral(bytes.NewBuffer(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadLiteralShort(t *testing.T) {
	lit := &fakeLiteral{r: bytes.NewReader([]byte("abc")), len: 10}
	_, err := readLiteral(lit)
	require.ErrorIs(t, err, ErrProtocolParse)
}

func TestReadLiteralTrailingBytes(t *testing.T) {
	lit := &fakeLiteral{r: bytes.NewReader([]byte("hello)\r\n* 2 FETCH")), len: 5}
	_, err := readLiteral(lit)
	require.ErrorIs(t, err, ErrProtocolParse)
}

func TestReadLiteralNil(t *testing.T) {
	_, err := readLiteral(nil)
	require.ErrorIs(t, err, ErrProtocolParse)
}
