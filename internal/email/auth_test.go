package email

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	mech, ir, err := NewXOAuth2Client("me@example.com", "tok123").Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=me@example.com\x01auth=Bearer tok123\x01\x01", string(ir))
}

func TestAuthErrorDistinguishesTokenExpiry(t *testing.T) {
	rejected := errors.New("NO AUTHENTICATE failed")

	err := authError("login", Credential{Mechanism: AuthXOAuth2}, rejected)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)

	err = authError("login", Credential{Mechanism: AuthPassword}, rejected)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.NotErrorIs(t, err, ErrTokenExpired)
}

func TestDebugWriterRedactsCredentials(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)
	logger.SetLevel(logrus.TraceLevel)

	w := &debugWriter{logger: logger, account: "work"}
	_, err := w.Write([]byte("a1 LOGIN user secret-password\r\n"))
	require.NoError(t, err)

	assert.NotContains(t, out.String(), "secret-password")
	assert.Contains(t, out.String(), "credentials redacted")
}
