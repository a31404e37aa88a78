package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/turnstream/internal/agent"
	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	backendURL  string
	sessionID   string
	yes         bool
	diagnostics bool
	jsonOut     bool
	allow       []string
}

func sendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Run one turn against the agent backend and stream the reply",
		Long: `Run one turn against the agent backend and stream the reply.

Text is streamed to stdout; tool calls and activity go to stderr. Approval
requests are prompted for on the terminal unless --yes is given. Ctrl-C
aborts the turn and keeps what was streamed.

Examples:
  turnctl send "list the files in /tmp"
  turnctl send --session 5d0c... "and now delete them" --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), opts, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr(), cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&opts.backendURL, "backend", envOr("AGENT_BASE_URL", "http://localhost:8000"), "agent backend base URL")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "", "session id (default: a new random id)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "approve every tool call and plan")
	cmd.Flags().BoolVar(&opts.diagnostics, "diagnostics", false, "record and print the diagnostic ledger")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the final session snapshot as JSON")
	cmd.Flags().StringSliceVar(&opts.allow, "allow", nil, "tools allowed without approval")

	return cmd
}

// pending is an approval surfaced by the session listener.
type pending struct {
	tool *domain.ApprovalRequest
	plan *domain.PlanApprovalRequest
}

func runSend(ctx context.Context, opts sendOptions, message string, stdout, stderr io.Writer, stdin io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}

	clientCfg := agent.DefaultClientConfig()
	clientCfg.BaseURL = opts.backendURL
	client, err := agent.NewClient(clientCfg, slog.Default())
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Backend:             client,
		History:             client,
		Diagnostics:         opts.diagnostics,
		DefaultAllowedTools: opts.allow,
		Logger:              slog.Default(),
	})
	if err != nil {
		return err
	}
	eng.Load(ctx, opts.sessionID)

	printer := newStreamPrinter(stdout, stderr)
	approvals := make(chan pending, 4)
	var lastRequest, lastPlan string
	unsubscribe := eng.Subscribe(func(n engine.Notification) {
		if n.SessionID != opts.sessionID || n.Removed {
			return
		}
		printer.Update(n.Session)
		if r := n.Session.ApprovalRequest; r != nil && r.RequestID != lastRequest {
			lastRequest = r.RequestID
			approvals <- pending{tool: r}
		}
		if r := n.Session.PlanApprovalRequest; r != nil && r.PlanID != lastPlan {
			lastPlan = r.PlanID
			approvals <- pending{plan: r}
		}
	})
	defer unsubscribe()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done, err := eng.Start(ctx, opts.sessionID, message)
	if err != nil {
		return err
	}

	in := bufio.NewReader(stdin)
loop:
	for {
		select {
		case <-done:
			break loop
		case <-sigCtx.Done():
			eng.Abort(opts.sessionID)
			<-done
			break loop
		case p := <-approvals:
			resolvePending(ctx, eng, opts, p, in, stderr)
		}
	}
	printer.Finish()

	snap := eng.Get(opts.sessionID)
	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	if opts.diagnostics {
		renderLedger(stderr, snap.DebugLedger)
	}
	fmt.Fprintf(stderr, "session: %s\n", opts.sessionID)
	return nil
}

func resolvePending(ctx context.Context, eng *engine.Engine, opts sendOptions, p pending, in *bufio.Reader, stderr io.Writer) {
	switch {
	case p.tool != nil:
		d := domain.Decision{Approved: opts.yes}
		if !opts.yes {
			fmt.Fprintf(stderr, "\napprove %s (risk: %s)?\n  %s\n[y/N/a=always] ", p.tool.Tool, orDash(p.tool.RiskLevel), p.tool.Input)
			answer := readAnswer(in)
			d.Approved = answer == "y" || answer == "a"
			d.AllowForSession = answer == "a"
		}
		if err := eng.ResolveApproval(ctx, opts.sessionID, p.tool.RequestID, d); err != nil {
			fmt.Fprintf(stderr, "approval failed: %v\n", err)
		}
	case p.plan != nil:
		d := domain.PlanDecision{Approved: opts.yes}
		if !opts.yes {
			fmt.Fprintf(stderr, "\napprove plan %q?\n", p.plan.Plan.Title)
			renderPlan(stderr, p.plan.Plan)
			fmt.Fprint(stderr, "[y/N] ")
			d.Approved = readAnswer(in) == "y"
		}
		if err := eng.ResolvePlanApproval(ctx, opts.sessionID, d); err != nil {
			fmt.Fprintf(stderr, "plan approval failed: %v\n", err)
		}
	}
}

func readAnswer(in *bufio.Reader) string {
	line, _ := in.ReadString('\n')
	return strings.ToLower(strings.TrimSpace(line))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
