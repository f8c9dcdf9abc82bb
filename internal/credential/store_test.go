package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/99designs/keyring"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/brandon/mailsync/internal/email"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthAccount(tokenURL string) Account {
	return Account{
		Name:      "work",
		Username:  "me@example.com",
		Mechanism: email.AuthXOAuth2,
		OAuth: &oauth2.Config{
			ClientID:     "id",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
	}
}

func TestPasswordFromConfigAndKeyring(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: "home:password", Data: []byte("from-ring")}})
	s := NewStore(ring, []Account{
		{Name: "work", Username: "w", Mechanism: email.AuthPassword, Password: "from-env"},
		{Name: "home", Username: "h", Mechanism: email.AuthPassword},
		{Name: "empty", Username: "e", Mechanism: email.AuthPassword},
	}, quietLogger())

	cred, err := s.Current(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cred.Secret)

	cred, err = s.Current(context.Background(), "home")
	require.NoError(t, err)
	assert.Equal(t, "from-ring", cred.Secret)

	_, err = s.Current(context.Background(), "empty")
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestRefreshStoresNewToken(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"rotated"}`)
	ring := keyring.NewArrayKeyring(nil)
	s := NewStore(ring, []Account{oauthAccount(srv.URL)}, quietLogger())
	require.NoError(t, s.SaveTokens("work", "stale", "rt-1"))

	cred, err := s.Current(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "stale", cred.Secret)

	cred, err = s.Refresh(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.Secret)
	assert.Equal(t, email.AuthXOAuth2, cred.Mechanism)

	item, err := ring.Get("work:access_token")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(item.Data))
	item, err = ring.Get("work:refresh_token")
	require.NoError(t, err)
	assert.Equal(t, "rotated", string(item.Data))
}

func TestRefreshFallsBackToLastKnownGood(t *testing.T) {
	srv := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	ring := keyring.NewArrayKeyring(nil)
	s := NewStore(ring, []Account{oauthAccount(srv.URL)}, quietLogger())
	require.NoError(t, s.SaveTokens("work", "current", "rt-1"))

	_, err := s.Refresh(context.Background(), "work")
	require.Error(t, err)

	s.MarkGood(context.Background(), "work", email.Credential{Username: "me@example.com", Secret: "known-good", Mechanism: email.AuthXOAuth2})

	cred, err := s.Refresh(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "known-good", cred.Secret)

	// A fresh store reads the persisted fallback.
	s2 := NewStore(ring, []Account{oauthAccount(srv.URL)}, quietLogger())
	cred, err = s2.Refresh(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "known-good", cred.Secret)
}
