package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
)

func TestEndpointsCarryIOTimeout(t *testing.T) {
	eps := endpoints([]config.AccountConfig{{
		Name:         "work",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPSecurity: "tls",
		SMTPHost:     "smtp.example.com",
		SMTPPort:     587,
		SMTPSecurity: "starttls",
	}}, 45*time.Second)

	require.Len(t, eps, 1)
	assert.Equal(t, "work", eps[0].Account)
	assert.Equal(t, 45*time.Second, eps[0].IMAP.Timeout)
	assert.Equal(t, 45*time.Second, eps[0].SMTP.Timeout)
	assert.Equal(t, email.Security("tls"), eps[0].IMAP.Security)
	assert.Equal(t, 587, eps[0].SMTP.Port)
}
