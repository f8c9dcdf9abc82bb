package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/brandon/mailsync/internal/email"
)

// Keyring entry names, stored as "<account>:<name>".
const (
	passwordKey     = "password"
	accessTokenKey  = "access_token"
	refreshTokenKey = "refresh_token"
	lastGoodKey     = "last_good_token"
)

// ErrNoCredential is returned when an account has no usable secret.
var ErrNoCredential = errors.New("no credential available")

// Account describes how one account authenticates. Password, when set,
// takes precedence over the keyring entry.
type Account struct {
	Name      string
	Username  string
	Mechanism email.AuthMechanism
	Password  string
	OAuth     *oauth2.Config
}

// Store serves current and refreshed credentials from a keyring. Refreshed
// tokens are written back; when a refresh fails the last token that
// authenticated successfully is used instead.
type Store struct {
	ring     keyring.Keyring
	accounts map[string]Account
	logger   *logrus.Logger

	mu       sync.Mutex
	lastGood map[string]string
}

var _ email.CredentialSource = (*Store)(nil)

// NewStore creates a credential store over ring.
func NewStore(ring keyring.Keyring, accounts []Account, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	m := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		m[a.Name] = a
	}
	return &Store{
		ring:     ring,
		accounts: m,
		logger:   logger,
		lastGood: make(map[string]string),
	}
}

// Current returns the credential to try first.
func (s *Store) Current(ctx context.Context, account string) (email.Credential, error) {
	acc, ok := s.accounts[account]
	if !ok {
		return email.Credential{}, fmt.Errorf("unknown account: %s", account)
	}
	cred := email.Credential{Username: acc.Username, Mechanism: acc.Mechanism}

	if acc.Mechanism != email.AuthXOAuth2 {
		if acc.Password != "" {
			cred.Secret = acc.Password
			return cred, nil
		}
		pw, found, err := get(s.ring, key(account, passwordKey))
		if err != nil {
			return email.Credential{}, err
		}
		if !found {
			return email.Credential{}, fmt.Errorf("%w for %s", ErrNoCredential, account)
		}
		cred.Secret = pw
		return cred, nil
	}

	token, found, err := get(s.ring, key(account, accessTokenKey))
	if err != nil {
		return email.Credential{}, err
	}
	if !found || token == "" {
		return s.Refresh(ctx, account)
	}
	cred.Secret = token
	return cred, nil
}

// Refresh obtains a new access token with the stored refresh token.
func (s *Store) Refresh(ctx context.Context, account string) (email.Credential, error) {
	acc, ok := s.accounts[account]
	if !ok {
		return email.Credential{}, fmt.Errorf("unknown account: %s", account)
	}
	if acc.Mechanism != email.AuthXOAuth2 {
		return s.Current(ctx, account)
	}
	cred := email.Credential{Username: acc.Username, Mechanism: acc.Mechanism}

	token, err := s.refreshToken(ctx, acc)
	if err == nil {
		cred.Secret = token
		return cred, nil
	}

	if fallback := s.fallback(account); fallback != "" {
		s.logger.WithError(err).WithField("account", account).Warn("Token refresh failed, using last known good token")
		cred.Secret = fallback
		return cred, nil
	}
	return email.Credential{}, err
}

func (s *Store) refreshToken(ctx context.Context, acc Account) (string, error) {
	if acc.OAuth == nil {
		return "", fmt.Errorf("%w: no oauth configuration for %s", ErrNoCredential, acc.Name)
	}
	refresh, found, err := get(s.ring, key(acc.Name, refreshTokenKey))
	if err != nil {
		return "", err
	}
	if !found || refresh == "" {
		return "", fmt.Errorf("%w: no refresh token for %s", ErrNoCredential, acc.Name)
	}

	tok, err := acc.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return "", fmt.Errorf("refreshing token for %s: %w", acc.Name, err)
	}

	if err := set(s.ring, key(acc.Name, accessTokenKey), tok.AccessToken); err != nil {
		return "", err
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := set(s.ring, key(acc.Name, refreshTokenKey), tok.RefreshToken); err != nil {
			return "", err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"account": acc.Name,
		"expiry":  tok.Expiry,
	}).Info("Access token refreshed")
	return tok.AccessToken, nil
}

// MarkGood records a token that just authenticated successfully.
func (s *Store) MarkGood(ctx context.Context, account string, cred email.Credential) {
	if cred.Mechanism != email.AuthXOAuth2 || cred.Secret == "" {
		return
	}

	s.mu.Lock()
	changed := s.lastGood[account] != cred.Secret
	s.lastGood[account] = cred.Secret
	s.mu.Unlock()

	if changed {
		if err := set(s.ring, key(account, lastGoodKey), cred.Secret); err != nil {
			s.logger.WithError(err).WithField("account", account).Warn("Failed to persist last known good token")
		}
	}
}

func (s *Store) fallback(account string) string {
	s.mu.Lock()
	tok := s.lastGood[account]
	s.mu.Unlock()
	if tok != "" {
		return tok
	}
	tok, _, err := get(s.ring, key(account, lastGoodKey))
	if err != nil {
		return ""
	}
	return tok
}

// SaveTokens stores an initial OAuth token pair, e.g. after an external
// authorization flow.
func (s *Store) SaveTokens(account, accessToken, refreshToken string) error {
	if err := set(s.ring, key(account, accessTokenKey), accessToken); err != nil {
		return err
	}
	return set(s.ring, key(account, refreshTokenKey), refreshToken)
}
