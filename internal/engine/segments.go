package engine

import (
	"slices"

	"github.com/ashureev/turnstream/internal/domain"
)

// Segment helpers never modify their input; they return a new slice so
// previously published snapshots stay intact.

// appendText extends the trailing text segment or opens a new one. Text
// separated by a tool call is never merged.
func appendText(segs []domain.Segment, text string) []domain.Segment {
	if text == "" {
		return segs
	}
	if n := len(segs); n > 0 {
		if last, ok := segs[n-1].(domain.TextSegment); ok {
			out := slices.Clone(segs)
			out[n-1] = domain.TextSegment{Content: last.Content + text}
			return out
		}
	}
	return append(slices.Clip(segs), domain.TextSegment{Content: text})
}

// openToolSegment always starts a new tool call segment.
func openToolSegment(segs []domain.Segment, tool, input string) []domain.Segment {
	return append(slices.Clip(segs), domain.ToolSegment{Tool: tool, Input: input})
}

// resolveToolSegment fills the newest unresolved call of tool. It reports
// false, leaving segs untouched, when no such call remains.
func resolveToolSegment(segs []domain.Segment, tool, output string, cached, sandbox bool) ([]domain.Segment, bool) {
	for i := len(segs) - 1; i >= 0; i-- {
		call, ok := segs[i].(domain.ToolSegment)
		if !ok || call.Tool != tool || call.Resolved() {
			continue
		}
		call.Output = &output
		call.Cached = cached
		call.Sandbox = sandbox
		out := slices.Clone(segs)
		out[i] = call
		return out, true
	}
	return segs, false
}

// markModelPass starts an empty text segment when the turn already ends in
// text, so a later model pass is not concatenated onto earlier output.
func markModelPass(segs []domain.Segment) []domain.Segment {
	n := len(segs)
	if n == 0 {
		return segs
	}
	if last, ok := segs[n-1].(domain.TextSegment); ok && last.Content != "" {
		return append(slices.Clip(segs), domain.TextSegment{})
	}
	return segs
}
