package tools

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/outbox"
)

// SendEmailTool queues and sends a new email
type SendEmailTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewSendEmailTool creates a new send email tool
func NewSendEmailTool(svc Services, logger *logrus.Logger) *SendEmailTool {
	return &SendEmailTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *SendEmailTool) Name() string {
	return "send_email"
}

// Description returns the tool description
func (t *SendEmailTool) Description() string {
	return "Send a new email with support for text, HTML, attachments, CC, BCC"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendEmailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Account to send from"),
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient email address(es) (comma-separated)",
			},
			"cc": map[string]interface{}{
				"type":        "string",
				"description": "Optional: CC recipients (comma-separated)",
			},
			"bcc": map[string]interface{}{
				"type":        "string",
				"description": "Optional: BCC recipients (comma-separated)",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Email subject",
			},
			"body_text": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Plain text body",
			},
			"body_html": map[string]interface{}{
				"type":        "string",
				"description": "Optional: HTML body",
			},
			"attachments": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional: Array of local file paths to attach",
			},
			"reply_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Reply-To header",
			},
			"in_reply_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Message-ID this email replies to",
			},
		},
		"required": []string{"account_name", "to", "subject"},
	}
}

// Execute executes the tool
func (t *SendEmailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, name, err := accountID(ctx, t.svc.Store, params)
	if err != nil {
		return nil, err
	}

	msg := &email.OutgoingMessage{
		To:        splitAddresses(stringParam(params, "to")),
		Cc:        splitAddresses(stringParam(params, "cc")),
		Bcc:       splitAddresses(stringParam(params, "bcc")),
		Subject:   stringParam(params, "subject"),
		ReplyTo:   stringParam(params, "reply_to"),
		InReplyTo: stringParam(params, "in_reply_to"),
	}
	msg.BodyText, _ = params["body_text"].(string)
	msg.BodyHTML, _ = params["body_html"].(string)

	if len(msg.To) == 0 {
		return nil, fmt.Errorf("to is required")
	}
	if msg.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if msg.BodyText == "" && msg.BodyHTML == "" {
		return nil, fmt.Errorf("either body_text or body_html is required")
	}

	if t.svc.Config != nil {
		account, err := t.svc.Config.GetAccountByName(name)
		if err != nil {
			return nil, err
		}
		msg.From = account.SMTPUsername
	}

	if msg.InReplyTo != "" {
		msg.References = t.references(ctx, id, msg.InReplyTo)
	}

	if raw, ok := params["attachments"].([]interface{}); ok {
		for _, item := range raw {
			path, _ := item.(string)
			if path == "" {
				continue
			}
			att, err := loadAttachment(path)
			if err != nil {
				return nil, err
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	entry, err := t.svc.Outbox.Enqueue(ctx, id, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to queue email: %w", err)
	}

	entry, err = t.svc.Outbox.Send(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, outbox.ErrSendFailed) {
			return map[string]interface{}{
				"success":    false,
				"outbox_id":  entry.ID,
				"message_id": entry.MessageID,
				"state":      entry.State,
				"attempts":   entry.Attempts,
				"error":      entry.LastError,
			}, nil
		}
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return map[string]interface{}{
		"success":    true,
		"outbox_id":  entry.ID,
		"message_id": entry.MessageID,
		"state":      entry.State,
		"attempts":   entry.Attempts,
	}, nil
}

// references builds the References chain of a reply from the cached parent.
func (t *SendEmailTool) references(ctx context.Context, accountID int, parentID string) []string {
	parentID = email.NormalizeMessageID(parentID)
	results, err := t.svc.Store.FindByMessageID(ctx, accountID, parentID)
	if err != nil || len(results) == 0 {
		return nil
	}
	return results[0].References
}

func loadAttachment(path string) (email.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return email.Attachment{
		Filename: filepath.Base(path),
		Content:  content,
		MimeType: mimeType,
	}, nil
}
