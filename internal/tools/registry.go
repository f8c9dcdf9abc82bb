package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/connpool"
	"github.com/brandon/mailsync/internal/outbox"
	"github.com/brandon/mailsync/internal/syncer"
)

// Services are the components tools call into.
type Services struct {
	Config *config.Config
	Store  *cache.Store
	Engine *syncer.Engine
	Outbox *outbox.Outbox
	Pool   *connpool.Pool
}

// Registry manages MCP tools
type Registry struct {
	svc    Services
	logger *logrus.Logger
	tools  map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a new tool registry
func NewRegistry(svc Services, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	reg := &Registry{
		svc:    svc,
		logger: logger,
		tools:  make(map[string]Tool),
	}
	reg.registerTools()
	return reg
}

func (r *Registry) registerTools() {
	toolList := []Tool{
		NewSyncAccountTool(r.svc, r.logger),
		NewSyncFolderTool(r.svc, r.logger),
		NewPauseCatchUpTool(r.svc, r.logger),
		NewResumeCatchUpTool(r.svc, r.logger),
		NewListFoldersTool(r.svc, r.logger),
		NewSearchEmailsTool(r.svc, r.logger),
		NewGetEmailTool(r.svc, r.logger),
		NewSendEmailTool(r.svc, r.logger),
	}

	for _, tool := range toolList {
		r.tools[tool.Name()] = tool
		r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools sorted by name
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	tools := r.ListTools()
	definitions := make([]map[string]interface{}, 0, len(tools))
	for _, tool := range tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}

func stringParam(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

// intParam accepts JSON numbers and numeric strings.
func intParam(params map[string]interface{}, key string) (int64, bool, error) {
	switch v := params[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return int64(v), true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", key, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("invalid %s: unexpected type %T", key, v)
	}
}

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// accountID resolves the required account_name parameter.
func accountID(ctx context.Context, store *cache.Store, params map[string]interface{}) (int, string, error) {
	name := stringParam(params, "account_name")
	if name == "" {
		return 0, "", fmt.Errorf("account_name is required")
	}
	id, err := store.GetAccountID(ctx, name)
	if err != nil {
		return 0, "", err
	}
	return id, name, nil
}

func accountNameSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}
