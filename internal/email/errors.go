package email

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Error taxonomy for protocol sessions. Callers match with errors.Is.
var (
	ErrConnectionFailed     = errors.New("connection failed")
	ErrTLSValidation        = errors.New("tls validation failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTokenExpired         = errors.New("access token expired")
	ErrProtocolParse        = errors.New("protocol parse error")
	ErrTimeout              = errors.New("timeout")
	ErrNotSelected          = errors.New("no folder selected")
)

// classifyDialError maps an error from dialing or the TLS handshake onto the
// taxonomy.
func classifyDialError(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verify           *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		errors.As(err, &verify):
		return fmt.Errorf("%s: %w: %w", op, ErrTLSValidation, err)
	case isTimeout(err):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailed, err)
	}
}

// classifyCommandError maps an error returned by a command on an established
// session. Server NO/BAD replies keep their text but carry no sentinel.
func classifyCommandError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProtocolParse) || errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case isTimeout(err):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	case isConnectionLost(err):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionFailed, err)
	case isParseFailure(err):
		return fmt.Errorf("%s: %w: %w", op, ErrProtocolParse, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionLost(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "not logged in")
}

func isParseFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot parse") ||
		strings.Contains(msg, "imap: invalid") ||
		strings.Contains(msg, "malformed")
}
