// Package main runs an ADK agent that learns from its own experience.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/template"

	"github.com/joho/godotenv"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/enufacas/Chained-sub007/internal/config"
	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/service"
	"github.com/enufacas/Chained-sub007/internal/stats"
	"github.com/enufacas/Chained-sub007/internal/tools"
)

const (
	agentName = "experience_agent"
	modelName = "gemini-2.0-flash"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "configuration error: GOOGLE_API_KEY environment variable is required")
		os.Exit(2)
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	llmAgent, memService, cleanup, err := initializeAgent(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize agent", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	launchCfg := &launcher.Config{
		AgentLoader:   agent.NewSingleLoader(llmAgent),
		MemoryService: memService,
	}
	l := full.NewLauncher()
	if err := l.Execute(ctx, launchCfg, os.Args[1:]); err != nil {
		logger.Error("failed to run agent", "error", err)
		fmt.Fprintln(os.Stderr, l.CommandLineSyntax())
		cleanup()
		os.Exit(1)
	}
}

// initializeAgent creates and initializes all components.
func initializeAgent(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Agent, *service.MemoryService, func(), error) {
	svc, cleanup, err := service.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	agentID := cfg.AgentID
	if agentID == "" {
		agentID = agentName
	}
	if err := svc.Register(ctx, agentID); err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to register agent: %w", err)
	}

	// The track record goes into the system prompt.
	summary, err := svc.Stats(ctx, agentID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		logger.Warn("failed to load experience statistics", "error", err)
	}
	systemPrompt, err := buildSystemPrompt(summary)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to build system prompt: %w", err)
	}

	agentTools, err := tools.BuildTools(tools.ToolsConfig{
		Service: svc,
		AgentID: agentID,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to build tools: %w", err)
	}

	llmModel, err := gemini.NewModel(ctx, modelName, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to create LLM model: %w", err)
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        agentName,
		Description: "An assistant that records the outcome of its actions and consults past experience before acting.",
		Model:       llmModel,
		Instruction: systemPrompt,
		Tools:       agentTools,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("agent initialized", "agent", agentID, "experiences", summary.Total)
	return llmAgent, service.NewMemoryService(svc, agentID), cleanup, nil
}

type tagRate struct {
	Tag   string
	Rate  float64
	Count int
}

var systemPromptTmpl = template.Must(template.New("systemPrompt").Funcs(template.FuncMap{
	"pct": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}).Parse(`
You are an engineering assistant with a long-term memory of your own actions.

Your abilities:
1. recall_experience looks up what happened in similar situations before
2. record_experience stores the outcome of something you just did
3. experience_stats summarizes how reliable your past actions have been

{{- if .Summary.Total }}

Your track record: {{ .Summary.Total }} experiences, {{ pct .Summary.SuccessRate }} successful, {{ pct .Summary.FailureRate }} failed.
{{- range .Tags }}
- {{ .Tag }}: {{ pct .Rate }} success over {{ .Count }} experiences
{{- end }}
{{- end }}

When working:
- Before acting, call recall_experience with a short description of the situation
- Prefer approaches that succeeded before and avoid those that failed
- After acting, call record_experience with the situation, what you did and the outcome
- If an earlier experience turns out to be wrong, record a correction with supersedes set to its id
`))

// buildSystemPrompt renders the instruction with the agent's statistics.
func buildSystemPrompt(sum stats.Summary) (string, error) {
	var tags []tagRate
	for tag, rate := range sum.PerTag {
		tags = append(tags, tagRate{Tag: tag, Rate: rate, Count: sum.TagCounts[tag]})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Count != tags[j].Count {
			return tags[i].Count > tags[j].Count
		}
		return tags[i].Tag < tags[j].Tag
	})
	if len(tags) > 10 {
		tags = tags[:10]
	}

	data := struct {
		Summary stats.Summary
		Tags    []tagRate
	}{
		Summary: sum,
		Tags:    tags,
	}

	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
