// Package tools defines ADK tool declarations that give an agent access to
// its own experience memory: recording what it did, recalling what worked
// before, and checking how reliable its past actions have been.
package tools

import (
	"fmt"

	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/enufacas/Chained-sub007/internal/service"
)

const (
	RecallToolName = "recall_experience"
	StatsToolName  = "experience_stats"
)

// ToolsConfig holds dependencies for creating tools.
type ToolsConfig struct {
	Service *service.Service
	// AgentID is the agent whose memory the tools read and write.
	AgentID string
	// RecallLimit caps recall results when the model does not ask for a
	// limit. Defaults to 5.
	RecallLimit int
}

// --- Tool Input/Output Structs ---

// RecordExperienceArgs is the input for record_experience tool.
type RecordExperienceArgs struct {
	Context    map[string]any `json:"context" jsonschema:"description=Facts describing the situation as flat key/value pairs, e.g. {\"task\": \"deploy\", \"env\": \"prod\"}"`
	Action     string         `json:"action" jsonschema:"description=What was done"`
	Params     map[string]any `json:"params,omitempty" jsonschema:"description=Parameters of the action as flat key/value pairs"`
	Outcome    string         `json:"outcome" jsonschema:"description=One of success, failure, partial"`
	Detail     string         `json:"detail,omitempty" jsonschema:"description=Free-form notes, e.g. the error message"`
	Tags       []string       `json:"tags,omitempty" jsonschema:"description=Labels used to group experiences"`
	Supersedes string         `json:"supersedes,omitempty" jsonschema:"description=ID of an earlier experience this one corrects"`
}

// RecallExperienceArgs is the input for recall_experience tool.
type RecallExperienceArgs struct {
	Situation string         `json:"situation,omitempty" jsonschema:"description=Free-text description of the current situation"`
	Context   map[string]any `json:"context,omitempty" jsonschema:"description=Structured situation, matched key by key against recorded contexts"`
	Limit     int            `json:"limit,omitempty" jsonschema:"description=Maximum number of experiences to return"`
}

// ExperienceStatsArgs is the input for experience_stats tool.
type ExperienceStatsArgs struct{}

// ToolResult is the output of every tool.
type ToolResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// --- Tool Handlers ---

func createRecordExperienceTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, args RecordExperienceArgs) (ToolResult, error) {
		return h.RecordExperience(ctx, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        service.RecordToolName,
		Description: "Record the outcome of something you just did so it can inform future decisions. Record failures as well as successes.",
	}, handler)
}

func createRecallExperienceTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, args RecallExperienceArgs) (ToolResult, error) {
		return h.RecallExperience(ctx, args), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        RecallToolName,
		Description: "Before acting, look up past experiences in similar situations, ranked by relevance and reliability.",
	}, handler)
}

func createExperienceStatsTool(h *Handler) (tool.Tool, error) {
	handler := func(ctx tool.Context, _ ExperienceStatsArgs) (ToolResult, error) {
		return h.ExperienceStats(ctx), nil
	}

	return functiontool.New(functiontool.Config{
		Name:        StatsToolName,
		Description: "Summarize your recorded experience: success and failure rates overall and per tag.",
	}, handler)
}

// BuildTools creates all agent tools with the given configuration.
func BuildTools(cfg ToolsConfig) ([]tool.Tool, error) {
	h := NewHandler(cfg.Service, cfg.AgentID, cfg.RecallLimit)

	var tools []tool.Tool

	recordTool, err := createRecordExperienceTool(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tool: %w", service.RecordToolName, err)
	}
	tools = append(tools, recordTool)

	recallTool, err := createRecallExperienceTool(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tool: %w", RecallToolName, err)
	}
	tools = append(tools, recallTool)

	statsTool, err := createExperienceStatsTool(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s tool: %w", StatsToolName, err)
	}
	tools = append(tools, statsTool)

	return tools, nil
}
