package service

import (
	"context"
	"fmt"
	"strings"

	adkmemory "google.golang.org/adk/memory"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/enufacas/Chained-sub007/internal/record"
)

const (
	// RecordToolName is the tool an agent calls to record experience
	// explicitly. Sessions that called it are not ingested again.
	RecordToolName = "record_experience"

	sessionTag        = "session"
	minResponseLength = 20
	searchLimit       = 10
	maxActionRunes    = 2000
)

// MemoryService adapts a Service to ADK's memory.Service so an ADK agent
// can remember finished sessions and search them later.
type MemoryService struct {
	svc *Service
	// agentID overrides the session's app name as the store owner.
	agentID string
}

var _ adkmemory.Service = (*MemoryService)(nil)

// NewMemoryService creates the adapter. An empty agentID stores each
// session under its app name.
func NewMemoryService(svc *Service, agentID string) *MemoryService {
	return &MemoryService{svc: svc, agentID: agentID}
}

func (m *MemoryService) owner(appName string) string {
	if m.agentID != "" {
		return m.agentID
	}
	return appName
}

// AddSession implements memory.Service interface.
// It records the last user question and agent answer of the session as one
// experience. Sessions that recorded experience through the tool, or whose
// answer is too short to be useful, are skipped.
func (m *MemoryService) AddSession(ctx context.Context, sess session.Session) error {
	var userQuery string
	var agentResponse string
	hasExplicitRecord := false

	for event := range sess.Events().All() {
		if event.Content == nil {
			continue
		}
		if event.Author == "user" {
			if textParts := extractTextFromContent([]*genai.Content{event.Content}); len(textParts) > 0 {
				userQuery = strings.Join(textParts, " ")
			}
		} else if textParts := extractTextFromContent([]*genai.Content{event.Content}); len(textParts) > 0 {
			agentResponse = strings.Join(textParts, " ")
		}

		for _, part := range event.Content.Parts {
			if part.FunctionCall != nil && part.FunctionCall.Name == RecordToolName {
				hasExplicitRecord = true
				break
			}
		}
	}

	if hasExplicitRecord {
		return nil
	}
	if userQuery == "" || len(agentResponse) <= minResponseLength {
		return nil
	}

	// The answer was not verified, so the outcome is only partial.
	rec := record.New(m.owner(sess.AppName()),
		record.Context{
			"app":   record.String(sess.AppName()),
			"user":  record.String(sess.UserID()),
			"query": record.String(userQuery),
		},
		record.Action{Summary: truncateRunes(agentResponse, maxActionRunes)},
		record.OutcomePartial,
		sessionTag)
	rec.Detail = "session " + sess.ID()
	if _, err := m.svc.Record(ctx, rec); err != nil {
		return fmt.Errorf("failed to save session to memory: %w", err)
	}
	return nil
}

// Search implements memory.Service interface.
// It ranks the owner's records against the query text and returns them as
// memory entries, best first.
func (m *MemoryService) Search(ctx context.Context, req *adkmemory.SearchRequest) (*adkmemory.SearchResponse, error) {
	results, err := m.svc.RecallText(ctx, m.owner(req.AppName), req.Query, searchLimit, m.svc.MinConfidence())
	if err != nil {
		return nil, fmt.Errorf("failed to search memory: %w", err)
	}

	memories := make([]adkmemory.Entry, 0, len(results))
	for _, res := range results {
		content := formatEntry(res.Record)
		if content == "" {
			continue
		}
		// genai.Text returns []*Content, we need the first one
		contentParts := genai.Text(content)
		if len(contentParts) == 0 {
			continue
		}
		memories = append(memories, adkmemory.Entry{
			Content:   contentParts[0],
			Author:    "memory",
			Timestamp: res.Record.OccurredAt(),
		})
	}

	return &adkmemory.SearchResponse{Memories: memories}, nil
}

func formatEntry(rec record.ExperienceRecord) string {
	var parts []string
	if len(rec.Context) > 0 {
		parts = append(parts, "Context: "+rec.Context.Text())
	}
	if rec.Action.Summary != "" {
		parts = append(parts, "Action: "+rec.Action.Summary)
	}
	if len(rec.Action.Params) > 0 {
		parts = append(parts, "Parameters: "+rec.Action.Params.Text())
	}
	if len(parts) == 0 {
		return ""
	}
	parts = append(parts, "Outcome: "+string(rec.Outcome))
	if rec.Detail != "" {
		parts = append(parts, "Detail: "+rec.Detail)
	}
	if rec.Origin != "" {
		parts = append(parts, "Learned from: "+rec.Origin)
	}
	return strings.Join(parts, "\n")
}

// extractTextFromContent extracts text from genai.Content parts
func extractTextFromContent(content []*genai.Content) []string {
	var texts []string
	for _, c := range content {
		for _, part := range c.Parts {
			if text := part.Text; text != "" {
				texts = append(texts, text)
			}
		}
	}
	return texts
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
