package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/sternelee/reforge-sub005/pkg/config"
	"github.com/sternelee/reforge-sub005/pkg/metrics"
	"github.com/sternelee/reforge-sub005/pkg/persistence"
	"github.com/sternelee/reforge-sub005/pkg/tools"
)

func cmdRun(ctx context.Context, s *config.Settings, args []string, stdin *os.File, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	prompt := fs.String("prompt", "", "User message for this turn (reads stdin when empty)")
	conversation := fs.String("conversation", "", "Conversation to continue (default: new conversation)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	message := *prompt
	if message == "" && stdin != nil && !term.IsTerminal(int(stdin.Fd())) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		message = string(data)
		stdin = nil
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: run needs -prompt or a message on stdin", errUsage)
	}

	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.Close()

	if s.MetricsAddr != "" {
		a.serveMetrics(ctx, s.MetricsAddr)
	}
	if s.WatchConfig {
		a.watch(ctx)
	}

	confirmCtx, stopConfirm := context.WithCancel(ctx)
	defer stopConfirm()
	go newConfirmer(stdin, stdout).serve(confirmCtx, a.gate)

	orch, err := a.orchestrator(func(p tools.Progress) {
		if p.Subtitle != "" {
			fmt.Fprintf(stdout, "• %s: %s\n", p.Title, p.Subtitle)
			return
		}
		fmt.Fprintf(stdout, "• %s\n", p.Title)
	})
	if err != nil {
		return err
	}

	res, err := orch.Run(ctx, *conversation, message)
	if res != nil {
		defer fmt.Fprintf(stdout, "\nconversation: %s (%d model calls, %d tool calls)\n", res.ConversationID, res.Iterations, res.ToolCalls)
	}
	if err != nil {
		if errors.Is(err, config.ErrAuthInProgress) {
			return fmt.Errorf("%w; finish with 'reforge auth set <provider>'", err)
		}
		return err
	}
	fmt.Fprintln(stdout, res.Final)
	return nil
}

func cmdConversations(ctx context.Context, s *config.Settings, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: conversations list|delete", errUsage)
	}
	db, err := openDB(ctx, s)
	if err != nil {
		return err
	}
	defer db.Close()
	store := persistence.NewConversationStore(db)

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("conversations list", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "Maximum conversations to show")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		infos, err := store.List(ctx, *limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTURNS\tUPDATED\tTITLE")
		for _, c := range infos {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ID, c.Turns, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
		}
		return tw.Flush()
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("%w: conversations delete ID", errUsage)
		}
		if err := store.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "deleted %s\n", args[1])
		return nil
	}
	return fmt.Errorf("%w: unknown conversations command %q", errUsage, args[0])
}

func cmdAuth(ctx context.Context, s *config.Settings, args []string, stdin *os.File, stdout io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: auth begin|set|delete PROVIDER", errUsage)
	}
	action, name := args[0], args[1]

	db, err := openDB(ctx, s)
	if err != nil {
		return err
	}
	defer db.Close()
	store := persistence.NewCredentialStore(db)

	switch action {
	case "begin":
		if err := store.BeginLogin(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "login for %s started; run 'reforge auth set %s' to finish\n", name, name)
		return nil
	case "set":
		secret, err := readSecret(stdin, stdout, name)
		if err != nil {
			return err
		}
		if err := store.Set(ctx, name, secret); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "stored credential for %s\n", name)
		return nil
	case "delete":
		if err := store.Delete(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed credential for %s\n", name)
		return nil
	}
	return fmt.Errorf("%w: unknown auth command %q", errUsage, action)
}

// readSecret reads an API key without echo on a terminal, or the first line of stdin otherwise.
func readSecret(stdin *os.File, stdout io.Writer, provider string) (string, error) {
	var secret string
	if stdin != nil && term.IsTerminal(int(stdin.Fd())) {
		fmt.Fprintf(stdout, "API key for %s: ", provider)
		raw, err := term.ReadPassword(int(stdin.Fd()))
		fmt.Fprintln(stdout)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		secret = string(raw)
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read key: %w", err)
		}
		secret = line
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("empty API key")
	}
	return secret, nil
}

func cmdTools(ctx context.Context, s *config.Settings, stdout io.Writer) error {
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.Close()

	w := a.workflows.Current()
	res, err := w.Resolve(s.AgentID)
	if err != nil {
		return err
	}
	return writeTools(stdout, a.registry.NewProvider(tools.Env{WorkDir: s.WorkDir}, res.Agent.Tools))
}

func writeTools(w io.Writer, p *tools.ToolProvider) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, def := range p.Definitions() {
		desc, _, _ := strings.Cut(def.Description, ". ")
		fmt.Fprintf(tw, "%s\t%s\n", def.Name, desc)
	}
	return tw.Flush()
}

func cmdUsage(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	server := fs.String("prometheus", "http://localhost:9090", "Prometheus server scraping reforge's /metrics")
	window := fs.Duration("window", 24*time.Hour, "Report usage over this trailing window")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q, err := metrics.NewQueryService(*server)
	if err != nil {
		return err
	}
	u, err := q.Usage(ctx, *window)
	if err != nil {
		return err
	}
	return writeUsage(stdout, u)
}

func writeUsage(w io.Writer, u *metrics.Usage) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "usage over %s\n\n", u.Window)
	fmt.Fprintln(tw, "MODEL\tREQUESTS\tFAILED\tINPUT\tOUTPUT\tCACHE READ\tCOST (USD)")
	var total float64
	for _, m := range u.Models {
		cost := config.CalculateCost(m.Model, int(m.InputTokens), int(m.OutputTokens))
		total += cost
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%.4f\n", m.Model, m.Requests, m.Failures, m.InputTokens, m.OutputTokens, m.CacheReadTokens, cost)
	}
	fmt.Fprintf(tw, "total\t\t\t\t\t\t%.4f\n", total)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TOOL\tOUTCOMES")
	for _, t := range u.Tools {
		outcomes := make([]string, 0, len(t.Outcomes))
		for outcome, n := range t.Outcomes {
			outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, n))
		}
		sort.Strings(outcomes)
		fmt.Fprintf(tw, "%s\t%s\n", t.Tool, strings.Join(outcomes, " "))
	}
	fmt.Fprintf(tw, "\ncompactions: %d\n", u.Compactions)
	return tw.Flush()
}
