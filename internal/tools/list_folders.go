package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ListFoldersTool lists synced folders with their sync progress
type ListFoldersTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewListFoldersTool creates a new list folders tool
func NewListFoldersTool(svc Services, logger *logrus.Logger) *ListFoldersTool {
	return &ListFoldersTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List folders of configured accounts with their sync state and cursors"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Optional: Specific account name, or all accounts if omitted"),
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var filter *int
	if stringParam(params, "account_name") != "" {
		id, _, err := accountID(ctx, t.svc.Store, params)
		if err != nil {
			return nil, err
		}
		filter = &id
	}

	folders, err := t.svc.Store.ListFolders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	result := make([]map[string]interface{}, len(folders))
	for i, folder := range folders {
		state := folder.SyncState
		if live := t.svc.Engine.FolderState(folder.AccountID, folder.ID); live != "" {
			state = live
		}
		result[i] = map[string]interface{}{
			"id":                folder.ID,
			"account_id":        folder.AccountID,
			"account_name":      folder.AccountName,
			"name":              folder.Name,
			"path":              folder.Path,
			"type":              folder.Type,
			"message_count":     folder.MessageCount,
			"sync_state":        state,
			"forward_cursor":    folder.ForwardCursorUID,
			"backfill_cursor":   folder.BackfillCursorUID,
			"catch_up_complete": folder.CatchUpComplete(),
		}
		if folder.LastError != "" {
			result[i]["last_error"] = folder.LastError
		}
		if folder.LastSynced != nil {
			result[i]["last_synced"] = folder.LastSynced.UTC().Format(time.RFC3339)
		}
	}

	return result, nil
}
