package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/turnstream/internal/domain"
)

// streamPrinter writes a live session to a terminal. Text deltas go to out;
// tool calls and activity hints go to info.
type streamPrinter struct {
	out, info io.Writer

	printed  string
	tools    int
	resolved map[int]bool
	activity string
}

func newStreamPrinter(out, info io.Writer) *streamPrinter {
	return &streamPrinter{out: out, info: info, resolved: make(map[int]bool)}
}

// Update prints what changed since the previous snapshot.
func (p *streamPrinter) Update(s domain.Session) {
	if !s.Streaming {
		return
	}
	if s.Activity != "" && s.Activity != p.activity {
		fmt.Fprintf(p.info, "[%s]\n", s.Activity)
	}
	p.activity = s.Activity

	idx := 0
	for _, seg := range s.StreamingSegments {
		tool, ok := seg.(domain.ToolSegment)
		if !ok {
			continue
		}
		if idx >= p.tools {
			fmt.Fprintf(p.info, "-> %s %s\n", tool.Tool, truncate(tool.Input, 80))
			p.tools = idx + 1
		}
		if tool.Resolved() && !p.resolved[idx] {
			p.resolved[idx] = true
			suffix := ""
			if tool.Cached {
				suffix = " (cached)"
			}
			fmt.Fprintf(p.info, "<- %s%s\n", tool.Tool, suffix)
		}
		idx++
	}

	content := s.StreamingContent
	switch {
	case strings.HasPrefix(content, p.printed):
		fmt.Fprint(p.out, content[len(p.printed):])
	default:
		fmt.Fprint(p.out, "\n"+content)
	}
	p.printed = content
}

// Finish ends the current line.
func (p *streamPrinter) Finish() {
	if p.printed != "" {
		fmt.Fprintln(p.out)
	}
	p.printed = ""
}

func renderPlan(w io.Writer, plan *domain.Plan) {
	if plan == nil {
		return
	}
	for i, step := range plan.Steps {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, stepMark(step.Status), step.Title)
	}
}

func stepMark(s domain.StepStatus) string {
	switch s {
	case domain.StepCompleted:
		return "x"
	case domain.StepRunning:
		return ">"
	case domain.StepFailed:
		return "!"
	default:
		return " "
	}
}

func renderTranscript(w io.Writer, msgs []domain.Message) {
	for _, m := range msgs {
		fmt.Fprintf(w, "%s:\n", m.Role)
		for _, seg := range m.Segments {
			if tool, ok := seg.(domain.ToolSegment); ok {
				fmt.Fprintf(w, "  -> %s %s\n", tool.Tool, truncate(tool.Input, 80))
			}
		}
		if m.Content != "" {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(m.Content, "\n", "\n  "))
		}
		if m.Plan != nil {
			fmt.Fprintf(w, "  plan: %s\n", m.Plan.Title)
			renderPlan(w, m.Plan)
		}
	}
}

func renderLedger(w io.Writer, ledger domain.Ledger) {
	for _, e := range ledger {
		switch e := e.(type) {
		case domain.DividerEntry:
			fmt.Fprintf(w, "--- %s\n", truncate(e.UserMessage, 60))
		case domain.LLMCallEntry:
			fmt.Fprintf(w, "llm  %-12s %-20s %6dms tokens=%d cost=%.4f\n",
				e.Node, e.Model, e.Timing.DurationMs, e.Usage.TotalTokens, e.Usage.TotalCost)
		case domain.ToolCallEntry:
			fmt.Fprintf(w, "tool %-33s %6dms cached=%t\n", e.Tool, e.Timing.DurationMs, e.Cached)
		case domain.PhaseEntry:
			fmt.Fprintf(w, "phase %s %s\n", e.Phase, e.Description)
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
