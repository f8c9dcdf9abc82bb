package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
)

// SearchEmailsTool searches cached emails
type SearchEmailsTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewSearchEmailsTool creates a new search emails tool
func NewSearchEmailsTool(svc Services, logger *logrus.Logger) *SearchEmailsTool {
	return &SearchEmailsTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *SearchEmailsTool) Name() string {
	return "search_emails"
}

// Description returns the tool description
func (t *SearchEmailsTool) Description() string {
	return "Search cached emails with flexible filters (sender, recipient, subject, body, date range)"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchEmailsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Optional: Filter by specific account"),
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by folder path (requires account_name)",
			},
			"sender": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by sender email/name",
			},
			"recipient": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by recipient email",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by subject (substring match)",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by body content (full-text search)",
			},
			"date_from": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Start date (ISO 8601 format)",
			},
			"date_to": map[string]interface{}{
				"type":        "string",
				"description": "Optional: End date (ISO 8601 format)",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: 100, max: 1000)",
				"minimum":     1,
				"maximum":     1000,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchEmailsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	opts := cache.SearchOptions{}

	if stringParam(params, "account_name") != "" {
		id, _, err := accountID(ctx, t.svc.Store, params)
		if err != nil {
			return nil, err
		}
		opts.AccountID = &id

		if path := stringParam(params, "folder"); path != "" {
			folder, err := t.svc.Store.GetFolderByPath(ctx, id, path)
			if err != nil {
				return nil, err
			}
			opts.FolderID = &folder.ID
		}
	} else if stringParam(params, "folder") != "" {
		return nil, fmt.Errorf("folder filter requires account_name")
	}

	for key, dst := range map[string]**string{
		"sender":    &opts.Sender,
		"recipient": &opts.Recipient,
		"subject":   &opts.Subject,
		"body":      &opts.Body,
	} {
		if v := stringParam(params, key); v != "" {
			*dst = &v
		}
	}

	for key, dst := range map[string]**time.Time{
		"date_from": &opts.DateFrom,
		"date_to":   &opts.DateTo,
	} {
		v := stringParam(params, key)
		if v == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format: %w", key, err)
		}
		*dst = &parsed
	}

	limit, ok, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	if ok {
		opts.Limit = int(limit)
	}
	if opts.Limit <= 0 && t.svc.Config != nil {
		opts.Limit = t.svc.Config.SearchResultLimit
	}

	results, err := t.svc.Store.Search(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	emailList := make([]map[string]interface{}, len(results))
	for i, email := range results {
		emailList[i] = map[string]interface{}{
			"id":           email.ID,
			"account_name": email.AccountName,
			"folder_path":  email.FolderPath,
			"subject":      email.Subject,
			"sender_name":  email.SenderName,
			"sender_email": email.SenderEmail,
			"date":         email.Date.Format(time.RFC3339),
			"snippet":      email.Snippet,
		}
	}

	return emailList, nil
}
