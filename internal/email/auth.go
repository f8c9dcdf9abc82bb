package email

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"
)

// AuthMechanism selects how a session authenticates.
type AuthMechanism string

const (
	AuthPassword AuthMechanism = "password"
	AuthXOAuth2  AuthMechanism = "xoauth2"
)

// Credential is what a session needs to authenticate. Secret holds either a
// password or an OAuth access token depending on Mechanism.
type Credential struct {
	Username  string
	Secret    string
	Mechanism AuthMechanism
}

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a SASL client sending an OAuth bearer token.
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

// Start returns the mechanism and the initial response.
func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

// Next answers a server challenge. Servers send a JSON error as the
// challenge on rejection; replying with an empty response lets the server
// finish with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

// saslClient returns the SASL client for cred.
func saslClient(cred Credential) sasl.Client {
	if cred.Mechanism == AuthXOAuth2 {
		return NewXOAuth2Client(cred.Username, cred.Secret)
	}
	return sasl.NewPlainClient("", cred.Username, cred.Secret)
}

// authError classifies a rejected authentication. An XOAUTH2 rejection is
// reported as an expired token so the caller can refresh once.
func authError(op string, cred Credential, err error) error {
	if cred.Mechanism == AuthXOAuth2 {
		return fmt.Errorf("%s: %w: %w", op, ErrTokenExpired, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrAuthenticationFailed, err)
}

// debugWriter logs protocol traffic at trace level with credentials redacted.
type debugWriter struct {
	logger  *logrus.Logger
	account string
}

func (w *debugWriter) Write(p []byte) (int, error) {
	data := strings.TrimSpace(string(p))
	upper := strings.ToUpper(data)
	if strings.Contains(upper, " LOGIN ") || strings.Contains(upper, " AUTHENTICATE ") || strings.Contains(upper, "AUTH ") {
		data = "[credentials redacted]"
	}
	w.logger.WithFields(logrus.Fields{
		"account": w.account,
		"data":    data,
	}).Trace("protocol traffic")
	return len(p), nil
}
