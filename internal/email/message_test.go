package email

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeReply(t *testing.T) {
	msg := &OutgoingMessage{
		From:       "Ann <ann@example.com>",
		To:         []string{"bob@example.com"},
		Bcc:        []string{"hidden@example.com"},
		Subject:    "Re: plans",
		BodyText:   "sounds good",
		BodyHTML:   "<p>sounds good</p>",
		InReplyTo:  "<orig@example.com>",
		References: []string{"<root@example.com>"},
		Attachments: []Attachment{
			{Filename: "notes.txt", Content: []byte("n"), MimeType: "text/plain"},
		},
	}

	raw, id, err := Compose(msg, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.False(t, strings.HasPrefix(id, "<"))

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Re: plans", env.GetHeader("Subject"))
	assert.Equal(t, "<orig@example.com>", env.GetHeader("In-Reply-To"))
	assert.Contains(t, env.GetHeader("References"), "<root@example.com>")
	assert.Contains(t, env.GetHeader("References"), "<orig@example.com>")
	assert.Empty(t, env.GetHeader("Bcc"))
	assert.Equal(t, "sounds good", strings.TrimSpace(env.Text))
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "notes.txt", env.Attachments[0].FileName)

	assert.ElementsMatch(t, []string{"bob@example.com", "hidden@example.com"}, msg.Recipients())
}

func TestComposeRequiresRecipient(t *testing.T) {
	_, _, err := Compose(&OutgoingMessage{From: "a@example.com"}, time.Now())
	require.Error(t, err)
}
