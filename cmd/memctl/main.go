// Command memctl administers experience stores: it lists agents, prints
// statistics, moves experience between agents and retires them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/enufacas/Chained-sub007/internal/config"
	"github.com/enufacas/Chained-sub007/internal/memory"
	"github.com/enufacas/Chained-sub007/internal/record"
	"github.com/enufacas/Chained-sub007/internal/service"
)

const usage = `usage: memctl <command> [flags]

commands:
  agents          list registered agents
  stats           recompute and print the statistics of an agent
  recall          rank an agent's experience against a free-text situation
  export          write an experience bundle of an agent
  import          add an experience bundle to an agent
  merge           print the shared view over several agents
  retire          archive an agent, writing a cold-storage bundle when configured
  rebuild-index   regenerate the tag and time index of an agent

Run "memctl <command> -h" for the flags of a command.
`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, cleanup, err := service.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open memory", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := run(ctx, svc, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cleanup()
			os.Exit(2)
		}
		logger.Error("command failed", "command", os.Args[1], "error", err)
		cleanup()
		os.Exit(1)
	}
}

// run executes one command against svc, writing results to out.
func run(ctx context.Context, svc *service.Service, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	agent := fs.String("agent", "", "agent id")

	switch cmd {
	case "agents":
		if err := fs.Parse(args); err != nil {
			return err
		}
		agents, err := svc.Agents(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			fmt.Fprintln(out, a)
		}
		return nil

	case "stats":
		if err := parse(fs, args, agent); err != nil {
			return err
		}
		sum, err := svc.Stats(ctx, *agent)
		if err != nil {
			return err
		}
		return writeJSON(out, sum)

	case "recall":
		query := fs.String("query", "", "free-text description of the situation")
		k := fs.Int("k", 5, "maximum number of results")
		minConf := fs.Float64("min-confidence", svc.MinConfidence(), "minimum confidence weight")
		if err := parse(fs, args, agent); err != nil {
			return err
		}
		results, err := svc.RecallText(ctx, *agent, *query, *k, *minConf)
		if err != nil {
			return err
		}
		type row struct {
			Score      float64 `json:"score"`
			Similarity float64 `json:"similarity"`
			ID         string  `json:"id"`
			Context    string  `json:"context"`
			Action     string  `json:"action"`
			Outcome    string  `json:"outcome"`
		}
		rows := make([]row, 0, len(results))
		for _, r := range results {
			rows = append(rows, row{
				Score:      r.Score,
				Similarity: r.Similarity,
				ID:         string(r.Record.ID),
				Context:    r.Record.Context.Text(),
				Action:     r.Record.Action.Summary,
				Outcome:    string(r.Record.Outcome),
			})
		}
		return writeJSON(out, rows)

	case "export":
		path := fs.String("out", "", "bundle file, stdout when empty")
		var f filterFlags
		f.register(fs)
		if err := parse(fs, args, agent); err != nil {
			return err
		}
		filter, err := f.filter()
		if err != nil {
			return err
		}
		bundle, err := svc.Export(ctx, *agent, filter)
		if err != nil {
			return err
		}
		if *path == "" {
			_, err = out.Write(append(bundle, '\n'))
			return err
		}
		return os.WriteFile(*path, bundle, 0o644)

	case "import":
		path := fs.String("in", "", "bundle file")
		if err := parse(fs, args, agent); err != nil {
			return err
		}
		if *path == "" {
			return errors.New("-in is required")
		}
		bundle, err := os.ReadFile(*path)
		if err != nil {
			return fmt.Errorf("failed to read bundle: %w", err)
		}
		res, err := svc.Import(ctx, *agent, bundle)
		if err != nil {
			return err
		}
		return writeJSON(out, res)

	case "merge":
		agents := fs.String("agents", "", "comma-separated agent ids")
		if err := fs.Parse(args); err != nil {
			return err
		}
		ids := splitList(*agents)
		if len(ids) == 0 {
			return errors.New("-agents is required")
		}
		set, err := svc.Merge(ctx, ids...)
		if err != nil {
			return err
		}
		type row struct {
			Provenance string    `json:"provenance"`
			StoreOwner string    `json:"store_owner"`
			ID         string    `json:"id"`
			Timestamp  time.Time `json:"timestamp"`
			Context    string    `json:"context"`
			Action     string    `json:"action"`
			Outcome    string    `json:"outcome"`
		}
		rows := make([]row, 0, set.Len())
		for e := range set.All() {
			rows = append(rows, row{
				Provenance: e.Provenance,
				StoreOwner: e.StoreOwner,
				ID:         string(e.Record.ID),
				Timestamp:  e.Record.Timestamp,
				Context:    e.Record.Context.Text(),
				Action:     e.Record.Action.Summary,
				Outcome:    string(e.Record.Outcome),
			})
		}
		return writeJSON(out, rows)

	case "retire":
		if err := parse(fs, args, agent); err != nil {
			return err
		}
		ret, err := svc.Retire(ctx, *agent)
		if err != nil {
			return err
		}
		return writeJSON(out, ret)

	case "rebuild-index":
		if err := parse(fs, args, agent); err != nil {
			return err
		}
		return svc.RebuildIndex(ctx, *agent)
	}
	return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
}

// parse parses args and requires -agent.
func parse(fs *flag.FlagSet, args []string, agent *string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agent == "" {
		return errors.New("-agent is required")
	}
	return nil
}

type filterFlags struct {
	tags, outcomes, since, until string
}

func (f *filterFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.tags, "tags", "", "comma-separated tags a record must all carry")
	fs.StringVar(&f.outcomes, "outcomes", "", "comma-separated outcomes to include")
	fs.StringVar(&f.since, "since", "", "RFC 3339 time, inclusive")
	fs.StringVar(&f.until, "until", "", "RFC 3339 time, exclusive")
}

func (f *filterFlags) filter() (memory.Filter, error) {
	out := memory.Filter{Tags: splitList(f.tags)}
	for _, o := range splitList(f.outcomes) {
		outcome := record.Outcome(o)
		if !outcome.Valid() {
			return memory.Filter{}, fmt.Errorf("unknown outcome %q", o)
		}
		out.Outcomes = append(out.Outcomes, outcome)
	}
	var err error
	if f.since != "" {
		if out.Since, err = time.Parse(time.RFC3339, f.since); err != nil {
			return memory.Filter{}, fmt.Errorf("invalid -since: %w", err)
		}
	}
	if f.until != "" {
		if out.Until, err = time.Parse(time.RFC3339, f.until); err != nil {
			return memory.Filter{}, fmt.Errorf("invalid -until: %w", err)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
