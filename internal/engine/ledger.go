package engine

import (
	"slices"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/protocol"
)

// Ledger entries are opened in progress at *_start and completed in place
// at *_end. Completion scans newest-first so overlapping calls with the
// same identity pair with the most recently opened one.

func appendEntry(l domain.Ledger, e domain.DebugEntry) domain.Ledger {
	return append(slices.Clip(l), e)
}

func openLLMEntry(l domain.Ledger, ev protocol.LLMStart, now time.Time) domain.Ledger {
	return appendEntry(l, domain.LLMCallEntry{
		CallID:     ev.CallID,
		Node:       ev.Node,
		Model:      ev.Model,
		Motivation: ev.Motivation,
		Input:      ev.Input,
		Timing:     domain.Timing{StartedAt: now},
		InProgress: true,
	})
}

func closeLLMEntry(l domain.Ledger, ev protocol.LLMEnd, now time.Time) (domain.Ledger, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		call, ok := l[i].(domain.LLMCallEntry)
		if !ok || !call.InProgress || call.CallID != ev.CallID {
			continue
		}
		call.Output = ev.Output
		call.Reasoning = ev.Reasoning
		call.Usage = ev.Usage
		call.Timing.DurationMs = durationMs(ev.DurationMs, call.Timing.StartedAt, now)
		call.InProgress = false
		out := slices.Clone(l)
		out[i] = call
		return out, true
	}
	return l, false
}

func openToolEntry(l domain.Ledger, ev protocol.ToolStart, now time.Time) domain.Ledger {
	return appendEntry(l, domain.ToolCallEntry{
		Tool:       ev.Tool,
		Motivation: ev.Motivation,
		Input:      ev.Input,
		Timing:     domain.Timing{StartedAt: now},
		InProgress: true,
	})
}

func closeToolEntry(l domain.Ledger, ev protocol.ToolEnd, now time.Time) (domain.Ledger, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		call, ok := l[i].(domain.ToolCallEntry)
		if !ok || !call.InProgress || call.Tool != ev.Tool {
			continue
		}
		call.Output = ev.Output
		call.Cached = ev.Cached
		call.Timing.DurationMs = durationMs(ev.DurationMs, call.Timing.StartedAt, now)
		call.InProgress = false
		out := slices.Clone(l)
		out[i] = call
		return out, true
	}
	return l, false
}

func durationMs(reported *int64, started, now time.Time) int64 {
	if reported != nil {
		return *reported
	}
	return now.Sub(started).Milliseconds()
}
