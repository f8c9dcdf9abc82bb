package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

// SMTPClient delivers composed messages over one SMTP connection per send.
type SMTPClient struct {
	account string
	server  ServerConfig
	logger  *logrus.Logger
}

// NewSMTPClient creates a new SMTP client
func NewSMTPClient(account string, server ServerConfig, logger *logrus.Logger) *SMTPClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &SMTPClient{
		account: account,
		server:  server,
		logger:  logger,
	}
}

// Send delivers raw to the recipients, authenticating with cred when it
// carries a secret.
func (c *SMTPClient) Send(ctx context.Context, cred Credential, from string, to []string, raw []byte) error {
	cl, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cl.Close() //nolint:errcheck

	if cred.Secret != "" {
		if err := cl.Auth(saslClient(cred)); err != nil {
			if isConnectionLost(err) || isTimeout(err) {
				return classifyCommandError("smtp auth", err)
			}
			return authError("smtp auth", cred, err)
		}
	}

	if err := cl.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return classifyCommandError("failed to send message", err)
	}

	if err := cl.Quit(); err != nil {
		c.logger.WithError(err).WithField("account", c.account).Debug("SMTP QUIT failed after delivery")
	}

	c.logger.WithFields(logrus.Fields{
		"account":    c.account,
		"recipients": len(to),
	}).Info("Message delivered to SMTP server")
	return nil
}

func (c *SMTPClient) dial(ctx context.Context) (*smtp.Client, error) {
	timeout := c.server.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	raw, err := dialer.DialContext(ctx, "tcp", c.server.Addr())
	if err != nil {
		return nil, classifyDialError("dial smtp", err)
	}

	conn := raw
	if c.server.Security == SecurityTLS {
		tlsConn := tls.Client(raw, c.server.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close() //nolint:errcheck
			return nil, classifyDialError("smtp tls handshake", err)
		}
		conn = tlsConn
	}
	conn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck

	cl, err := smtp.NewClient(conn, c.server.Host)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, classifyDialError("smtp greeting", err)
	}

	if c.server.Security == SecurityStartTLS {
		if err := cl.StartTLS(c.server.tlsConfig()); err != nil {
			cl.Close() //nolint:errcheck
			return nil, classifyDialError("smtp starttls", err)
		}
	}
	return cl, nil
}
