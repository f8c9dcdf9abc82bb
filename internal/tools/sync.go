package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/syncer"
	"github.com/brandon/mailsync/pkg/types"
)

// SyncAccountTool runs a sync over every folder of an account
type SyncAccountTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewSyncAccountTool creates a new sync account tool
func NewSyncAccountTool(svc Services, logger *logrus.Logger) *SyncAccountTool {
	return &SyncAccountTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *SyncAccountTool) Name() string {
	return "sync_account"
}

// Description returns the tool description
func (t *SyncAccountTool) Description() string {
	return "Sync an account: 'initial_fast' bootstraps the newest messages of unsynced folders, 'full' also fetches everything new"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncAccountTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Account to sync"),
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"initial_fast", "full"},
				"description": "Optional: sync mode (default: full)",
			},
		},
		"required": []string{"account_name"},
	}
}

// Execute executes the tool
func (t *SyncAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, _, err := accountID(ctx, t.svc.Store, params)
	if err != nil {
		return nil, err
	}

	opts := syncer.AccountOptions{Mode: syncer.Full}
	switch mode := stringParam(params, "mode"); mode {
	case "", "full":
	case "initial_fast":
		opts.Mode = syncer.InitialFast
	default:
		return nil, fmt.Errorf("invalid mode: %s", mode)
	}

	res, err := t.svc.Engine.SyncAccount(ctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to sync account: %w", err)
	}
	return summarize(res), nil
}

// SyncFolderTool syncs one folder in one direction
type SyncFolderTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewSyncFolderTool creates a new sync folder tool
func NewSyncFolderTool(svc Services, logger *logrus.Logger) *SyncFolderTool {
	return &SyncFolderTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *SyncFolderTool) Name() string {
	return "sync_folder"
}

// Description returns the tool description
func (t *SyncFolderTool) Description() string {
	return "Sync one folder: 'incremental' fetches new mail, 'catch_up' continues backfilling older mail"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncFolderTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Account owning the folder"),
			"folder": map[string]interface{}{
				"type":        "string",
				"description": "Folder path, e.g. INBOX",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"incremental", "catch_up"},
				"description": "Optional: sync direction (default: incremental)",
			},
		},
		"required": []string{"account_name", "folder"},
	}
}

// Execute executes the tool
func (t *SyncFolderTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, _, err := accountID(ctx, t.svc.Store, params)
	if err != nil {
		return nil, err
	}
	path := stringParam(params, "folder")
	if path == "" {
		return nil, fmt.Errorf("folder is required")
	}

	opts := syncer.FolderOptions{Mode: syncer.Incremental}
	switch mode := stringParam(params, "mode"); mode {
	case "", "incremental":
	case "catch_up":
		opts.Mode = syncer.CatchUp
	default:
		return nil, fmt.Errorf("invalid mode: %s", mode)
	}

	folder, err := t.svc.Store.GetFolderByPath(ctx, id, path)
	if err != nil {
		return nil, err
	}
	res, err := t.svc.Engine.SyncFolder(ctx, id, folder.ID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to sync folder: %w", err)
	}
	return summarize(res), nil
}

// PauseCatchUpTool stops background catch-up for an account
type PauseCatchUpTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewPauseCatchUpTool creates a new pause tool
func NewPauseCatchUpTool(svc Services, logger *logrus.Logger) *PauseCatchUpTool {
	return &PauseCatchUpTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *PauseCatchUpTool) Name() string {
	return "pause_catch_up"
}

// Description returns the tool description
func (t *PauseCatchUpTool) Description() string {
	return "Pause catch-up of older mail for an account after the batch in flight"
}

// InputSchema returns the JSON schema for tool inputs
func (t *PauseCatchUpTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Account to pause"),
		},
		"required": []string{"account_name"},
	}
}

// Execute executes the tool
func (t *PauseCatchUpTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, name, err := accountID(ctx, t.svc.Store, params)
	if err != nil {
		return nil, err
	}
	t.svc.Engine.PauseCatchUp(id)
	return map[string]interface{}{"account_name": name, "paused": true}, nil
}

// ResumeCatchUpTool resumes background catch-up for an account
type ResumeCatchUpTool struct {
	svc    Services
	logger *logrus.Logger
}

// NewResumeCatchUpTool creates a new resume tool
func NewResumeCatchUpTool(svc Services, logger *logrus.Logger) *ResumeCatchUpTool {
	return &ResumeCatchUpTool{svc: svc, logger: logger}
}

// Name returns the tool name
func (t *ResumeCatchUpTool) Name() string {
	return "resume_catch_up"
}

// Description returns the tool description
func (t *ResumeCatchUpTool) Description() string {
	return "Resume catch-up of older mail for an account from where it stopped"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ResumeCatchUpTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account_name": accountNameSchema("Account to resume"),
		},
		"required": []string{"account_name"},
	}
}

// Execute executes the tool
func (t *ResumeCatchUpTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, name, err := accountID(ctx, t.svc.Store, params)
	if err != nil {
		return nil, err
	}
	t.svc.Engine.ResumeCatchUp(id)
	return map[string]interface{}{"account_name": name, "paused": false}, nil
}

// summarize trims a sync result to what a caller needs to refresh.
func summarize(res *types.SyncResult) map[string]interface{} {
	messages := make([]map[string]interface{}, len(res.NewMessages))
	for i, m := range res.NewMessages {
		messages[i] = map[string]interface{}{
			"id":           m.ID,
			"folder_path":  m.FolderPath,
			"subject":      m.Subject,
			"sender_email": m.SenderEmail,
			"date":         m.Date,
		}
	}
	return map[string]interface{}{
		"account_name": res.Account,
		"folders":      res.Folders,
		"new_messages": messages,
		"paused":       res.Paused,
	}
}
