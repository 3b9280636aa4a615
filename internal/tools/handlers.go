package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
	"github.com/enufacas/Chained-sub007/internal/retrieval"
	"github.com/enufacas/Chained-sub007/internal/service"
)

const defaultRecallLimit = 5

// Handler provides implementations for all agent tools.
type Handler struct {
	svc         *service.Service
	agentID     string
	recallLimit int
}

// NewHandler creates a new tool handler acting for agentID.
func NewHandler(svc *service.Service, agentID string, recallLimit int) *Handler {
	if recallLimit < 1 {
		recallLimit = defaultRecallLimit
	}
	return &Handler{
		svc:         svc,
		agentID:     agentID,
		recallLimit: recallLimit,
	}
}

// HandleToolCall dispatches and executes a tool call based on its name.
func (h *Handler) HandleToolCall(ctx context.Context, name string, args map[string]any) (string, error) {
	var result ToolResult

	switch name {
	case service.RecordToolName:
		var a RecordExperienceArgs
		if result = decodeArgs(args, &a); result.Error == "" {
			result = h.RecordExperience(ctx, a)
		}
	case RecallToolName:
		var a RecallExperienceArgs
		if result = decodeArgs(args, &a); result.Error == "" {
			result = h.RecallExperience(ctx, a)
		}
	case StatsToolName:
		result = h.ExperienceStats(ctx)
	default:
		result = ToolResult{
			Success: false,
			Error:   fmt.Sprintf("unknown tool: %s", name),
		}
	}

	jsonResult, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}

	return string(jsonResult), nil
}

func decodeArgs(args map[string]any, dst any) ToolResult {
	data, err := json.Marshal(args)
	if err == nil {
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	return ToolResult{}
}

// RecordExperience appends one experience to the agent's memory.
func (h *Handler) RecordExperience(ctx context.Context, args RecordExperienceArgs) ToolResult {
	if args.Action == "" || args.Outcome == "" {
		return ToolResult{Success: false, Error: "action and outcome are required"}
	}
	outcome := record.Outcome(args.Outcome)
	if !outcome.Valid() {
		return ToolResult{Success: false, Error: fmt.Sprintf("outcome must be success, failure or partial, got %q", args.Outcome)}
	}
	situation, err := toContext(args.Context)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid context: %v", err)}
	}
	params, err := toContext(args.Params)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
	}

	rec := record.New(h.agentID, situation, record.Action{Summary: args.Action, Params: params}, outcome, args.Tags...)
	rec.Detail = args.Detail
	rec.Supersedes = record.ID(args.Supersedes)

	id, err := h.svc.Record(ctx, rec)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("failed to record experience: %v", err)}
	}
	return ToolResult{Success: true, Data: map[string]any{"id": string(id)}}
}

// RecallExperience returns the most relevant past experiences. A structured
// context takes precedence over the free-text situation.
func (h *Handler) RecallExperience(ctx context.Context, args RecallExperienceArgs) ToolResult {
	limit := args.Limit
	if limit < 1 {
		limit = h.recallLimit
	}

	situation, err := toContext(args.Context)
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("invalid context: %v", err)}
	}

	var results []retrievalResult
	switch {
	case len(situation) > 0:
		res, err := h.svc.Recall(ctx, h.agentID, situation, limit, h.svc.MinConfidence())
		if err != nil {
			return ToolResult{Success: false, Error: fmt.Sprintf("failed to recall experience: %v", err)}
		}
		results = formatResults(res)
	case args.Situation != "":
		res, err := h.svc.RecallText(ctx, h.agentID, args.Situation, limit, h.svc.MinConfidence())
		if err != nil {
			return ToolResult{Success: false, Error: fmt.Sprintf("failed to recall experience: %v", err)}
		}
		results = formatResults(res)
	default:
		return ToolResult{Success: false, Error: "situation or context is required"}
	}

	if len(results) == 0 {
		return ToolResult{Success: true, Data: "No relevant past experience."}
	}
	return ToolResult{Success: true, Data: results}
}

// retrievalResult is a recalled experience as the model sees it.
type retrievalResult struct {
	ID         string   `json:"id"`
	Context    string   `json:"context,omitempty"`
	Action     string   `json:"action,omitempty"`
	Params     string   `json:"params,omitempty"`
	Outcome    string   `json:"outcome"`
	Detail     string   `json:"detail,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Origin     string   `json:"learned_from,omitempty"`
	When       string   `json:"when"`
	Similarity string   `json:"similarity"`
	Confidence float64  `json:"confidence"`
}

func formatResults(res []retrieval.Result) []retrievalResult {
	out := make([]retrievalResult, 0, len(res))
	for _, r := range res {
		rec := r.Record
		out = append(out, retrievalResult{
			ID:         string(rec.ID),
			Context:    rec.Context.Text(),
			Action:     rec.Action.Summary,
			Params:     rec.Action.Params.Text(),
			Outcome:    string(rec.Outcome),
			Detail:     rec.Detail,
			Tags:       rec.Tags,
			Origin:     rec.Origin,
			When:       rec.OccurredAt().Format(time.RFC3339),
			Similarity: fmt.Sprintf("%.2f%%", r.Similarity*100),
			Confidence: rec.ConfidenceWeight,
		})
	}
	return out
}

// ExperienceStats summarizes the agent's memory.
func (h *Handler) ExperienceStats(ctx context.Context) ToolResult {
	sum, err := h.svc.Stats(ctx, h.agentID)
	if errors.Is(err, memory.ErrNotFound) {
		return ToolResult{Success: true, Data: "No experience recorded yet."}
	}
	if err != nil {
		return ToolResult{Success: false, Error: fmt.Sprintf("failed to compute statistics: %v", err)}
	}
	return ToolResult{Success: true, Data: sum}
}

// toContext converts decoded JSON into a record context. Only scalar values
// are accepted; whole numbers become ints.
func toContext(m map[string]any) (record.Context, error) {
	if len(m) == 0 {
		return nil, nil
	}
	c := make(record.Context, len(m))
	for k, v := range m {
		val, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", k, err)
		}
		c[k] = val
	}
	return c, nil
}

func toValue(v any) (record.Value, error) {
	switch x := v.(type) {
	case string:
		return record.String(x), nil
	case bool:
		return record.Bool(x), nil
	case int:
		return record.Int(int64(x)), nil
	case int64:
		return record.Int(x), nil
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return record.Int(int64(x)), nil
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return record.Value{}, errors.New("non-finite number")
		}
		return record.Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return record.Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return record.Value{}, err
		}
		return toValue(f)
	case nil:
		return record.Value{}, errors.New("null is not allowed")
	}
	return record.Value{}, fmt.Errorf("unsupported value of type %T", v)
}
