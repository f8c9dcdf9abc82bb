package email

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
)

// readLiteral reads a literal using exactly the byte count the server
// declared. A short literal, or one that still has bytes after the declared
// length, is a framing error and must not be accepted as message content.
func readLiteral(lit imap.Literal) ([]byte, error) {
	if lit == nil {
		return nil, fmt.Errorf("%w: missing literal", ErrProtocolParse)
	}

	size := lit.Len()
	if size < 0 {
		return nil, fmt.Errorf("%w: negative literal length %d", ErrProtocolParse, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(lit, buf); err != nil {
		return nil, fmt.Errorf("%w: literal shorter than declared %d bytes: %v", ErrProtocolParse, size, err)
	}

	var extra [1]byte
	if n, _ := lit.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: literal longer than declared %d bytes", ErrProtocolParse, size)
	}

	return buf, nil
}
