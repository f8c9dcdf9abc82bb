package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

// GetEmailTool retrieves a full email by ID
type GetEmailTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewGetEmailTool creates a new get email tool
func NewGetEmailTool(svc Services, logger *logrus.Logger) *GetEmailTool {
	return &GetEmailTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *GetEmailTool) Name() string {
	return "get_email"
}

// Description returns the tool description
func (t *GetEmailTool) Description() string {
	return "Retrieve full email by ID from cache, fetching the body over IMAP if it was never stored"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"email_id": map[string]interface{}{
				"type":        "integer",
				"description": "Email ID (from search results)",
			},
		},
		"required": []string{"email_id"},
	}
}

// Execute executes the tool
func (t *GetEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	emailID, ok, err := intParam(params, "email_id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("email_id is required")
	}

	cached, err := t.svc.Store.GetEmail(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}

	if cached.BodyText == "" && cached.BodyHTML == "" && cached.FolderPath != "" && t.svc.Pool != nil {
		t.refetchBody(ctx, cached)
	}

	return map[string]interface{}{
		"id":           cached.ID,
		"stable_id":    cached.StableID,
		"account_id":   cached.AccountID,
		"account_name": cached.AccountName,
		"folder_id":    cached.FolderID,
		"folder_path":  cached.FolderPath,
		"uid":          cached.UID,
		"message_id":   cached.MessageID,
		"in_reply_to":  cached.InReplyTo,
		"references":   cached.References,
		"thread_id":    cached.ThreadID,
		"subject":      cached.Subject,
		"sender_name":  cached.SenderName,
		"sender_email": cached.SenderEmail,
		"recipients":   cached.Recipients,
		"date":         cached.Date.Format(time.RFC3339),
		"body_text":    cached.BodyText,
		"body_html":    cached.BodyHTML,
		"flags":        cached.Flags,
		"cached_at":    cached.CachedAt.Format(time.RFC3339),
	}, nil
}

// refetchBody loads a missing body from the server and stores it. Failures
// leave the cached email as it was.
func (t *GetEmailTool) refetchBody(ctx context.Context, e *types.Email) {
	log := t.logger.WithFields(logrus.Fields{
		"email_id": e.ID,
		"account":  e.AccountName,
		"folder":   e.FolderPath,
	})
	log.Info("Email body is empty, re-fetching from IMAP")

	conn, err := t.svc.Pool.Checkout(ctx, e.AccountName)
	if err != nil {
		log.WithError(err).Warn("Could not check out connection for re-fetch")
		return
	}
	bodies, err := func() ([]*email.Body, error) {
		if _, err := conn.SelectFolder(e.FolderPath); err != nil {
			return nil, err
		}
		return conn.FetchBodies([]uint32{e.UID})
	}()
	if err != nil || !conn.IsAlive() {
		t.svc.Pool.Discard(conn)
	} else {
		t.svc.Pool.Checkin(conn)
	}
	if err != nil {
		log.WithError(err).Warn("Could not re-fetch email from IMAP")
		return
	}
	if len(bodies) == 0 {
		log.Warn("Message no longer on server")
		return
	}

	e.BodyText = bodies[0].Text
	e.BodyHTML = bodies[0].HTML
	if err := t.svc.Store.SetEmailBody(ctx, e.ID, e.BodyText, e.BodyHTML); err != nil {
		log.WithError(err).Warn("Could not update email in cache")
		return
	}
	log.Info("Successfully re-fetched and updated email")
}
