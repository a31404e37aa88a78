package main

import (
	"bytes"
	"testing"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStreamPrinterWritesDeltas(t *testing.T) {
	var out, info bytes.Buffer
	p := newStreamPrinter(&out, &info)

	p.Update(domain.Session{Streaming: true, StreamingContent: "Hel"})
	p.Update(domain.Session{Streaming: true, StreamingContent: "Hello"})
	p.Update(domain.Session{Streaming: true, StreamingContent: "Hello"})
	p.Update(domain.Session{Streaming: true, StreamingContent: "Hello, world"})
	p.Finish()

	assert.Equal(t, "Hello, world\n", out.String())
	assert.Empty(t, info.String())
}

func TestStreamPrinterReportsToolsOnce(t *testing.T) {
	var out, info bytes.Buffer
	p := newStreamPrinter(&out, &info)
	result := "a.txt"

	p.Update(domain.Session{Streaming: true, Activity: "planner"})
	p.Update(domain.Session{Streaming: true, StreamingSegments: []domain.Segment{
		domain.ToolSegment{Tool: "ls", Input: "."},
	}})
	p.Update(domain.Session{Streaming: true, StreamingSegments: []domain.Segment{
		domain.ToolSegment{Tool: "ls", Input: ".", Output: &result, Cached: true},
	}})
	p.Update(domain.Session{Streaming: true, StreamingSegments: []domain.Segment{
		domain.ToolSegment{Tool: "ls", Input: ".", Output: &result, Cached: true},
		domain.TextSegment{Content: "Found it"},
	}, StreamingContent: "Found it"})

	assert.Equal(t, "[planner]\n-> ls .\n<- ls (cached)\n", info.String())
	assert.Equal(t, "Found it", out.String())
}

func TestStreamPrinterIgnoresSettledSnapshots(t *testing.T) {
	var out, info bytes.Buffer
	p := newStreamPrinter(&out, &info)
	p.Update(domain.Session{StreamingContent: "stale"})
	p.Finish()
	assert.Empty(t, out.String())
}

func TestRenderTranscriptAndLedger(t *testing.T) {
	var buf bytes.Buffer
	renderTranscript(&buf, []domain.Message{
		{Role: domain.RoleUser, Content: "hi"},
		{
			Role:     domain.RoleAssistant,
			Content:  "line one\nline two",
			Segments: []domain.Segment{domain.ToolSegment{Tool: "grep", Input: "foo"}},
			Plan:     &domain.Plan{Title: "Search", Steps: []domain.PlanStep{{ID: "1", Title: "grep", Status: domain.StepCompleted}}},
		},
	})
	assert.Equal(t, "user:\n  hi\nassistant:\n  -> grep foo\n  line one\n  line two\n  plan: Search\n  1. [x] grep\n", buf.String())

	buf.Reset()
	renderLedger(&buf, domain.Ledger{
		domain.DividerEntry{UserMessage: "hi"},
		domain.PhaseEntry{Phase: "plan", Description: "thinking"},
	})
	assert.Equal(t, "--- hi\nphase plan thinking\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b...", truncate("a\nbcdef", 3))
}
