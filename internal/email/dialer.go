package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CredentialSource supplies and refreshes account secrets.
type CredentialSource interface {
	Current(ctx context.Context, account string) (Credential, error)
	Refresh(ctx context.Context, account string) (Credential, error)
	MarkGood(ctx context.Context, account string, cred Credential)
}

// Endpoint holds the servers of one account.
type Endpoint struct {
	Account string
	IMAP    ServerConfig
	SMTP    ServerConfig
}

// Dialer opens authenticated sessions for configured accounts. An expired
// token is refreshed once per dial; a second rejection is terminal.
type Dialer struct {
	endpoints map[string]Endpoint
	creds     CredentialSource
	logger    *logrus.Logger
}

// NewDialer creates a dialer for the given endpoints.
func NewDialer(endpoints []Endpoint, creds CredentialSource, logger *logrus.Logger) *Dialer {
	if logger == nil {
		logger = logrus.New()
	}
	m := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		m[ep.Account] = ep
	}
	return &Dialer{endpoints: m, creds: creds, logger: logger}
}

// Provider returns the key used for per-provider connection caps.
func (d *Dialer) Provider(account string) string {
	if ep, ok := d.endpoints[account]; ok {
		return ep.IMAP.Host
	}
	return ""
}

// DialSession connects and authenticates an IMAP session for account.
func (d *Dialer) DialSession(ctx context.Context, account string) (Session, error) {
	ep, ok := d.endpoints[account]
	if !ok {
		return nil, fmt.Errorf("unknown account: %s", account)
	}

	cred, err := d.creds.Current(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	c, err := DialIMAP(ctx, account, ep.IMAP, d.logger)
	if err != nil {
		return nil, err
	}

	err = c.Authenticate(cred)
	if errors.Is(err, ErrTokenExpired) {
		d.logger.WithField("account", account).Info("Access token rejected, refreshing")
		cred, err = d.refresh(ctx, account)
		if err == nil {
			err = c.Authenticate(cred)
		}
		if errors.Is(err, ErrTokenExpired) {
			err = fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
	}
	if err != nil {
		c.Close() //nolint:errcheck
		return nil, err
	}

	d.creds.MarkGood(ctx, account, cred)
	return c, nil
}

// SendMail delivers raw through the account's SMTP server.
func (d *Dialer) SendMail(ctx context.Context, account, from string, to []string, raw []byte) error {
	ep, ok := d.endpoints[account]
	if !ok {
		return fmt.Errorf("unknown account: %s", account)
	}

	cred, err := d.creds.Current(ctx, account)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	smtpClient := NewSMTPClient(account, ep.SMTP, d.logger)
	err = smtpClient.Send(ctx, cred, from, to, raw)
	if errors.Is(err, ErrTokenExpired) {
		cred, err = d.refresh(ctx, account)
		if err == nil {
			err = smtpClient.Send(ctx, cred, from, to, raw)
		}
		if errors.Is(err, ErrTokenExpired) {
			err = fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
	}
	if err != nil {
		return err
	}

	d.creds.MarkGood(ctx, account, cred)
	return nil
}

func (d *Dialer) refresh(ctx context.Context, account string) (Credential, error) {
	cred, err := d.creds.Refresh(ctx, account)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: token refresh: %w", ErrAuthenticationFailed, err)
	}
	return cred, nil
}
