// Package evidence renders the text document the assessor scores.
package evidence

import (
	"strings"

	"github.com/ashureev/aegis/internal/domain"
)

// Section headers, in document order.
const (
	ExecutionHeader  = "--- CODE EXECUTION REPORT ---"
	SolutionHeader   = "--- FINAL SOLUTION ---"
	TranscriptHeader = "--- AI ASSISTANT CHAT TRANSCRIPT ---"
)

// Assemble builds the evidence document from a submission. The result
// depends only on its arguments.
func Assemble(exec domain.ExecutionResult, code string, transcript []domain.Message) string {
	var b strings.Builder

	b.WriteString(ExecutionHeader)
	b.WriteString("\nStatus: ")
	b.WriteString(string(exec.Status))
	b.WriteString("\nOutput:\n")
	b.WriteString(exec.Output)
	b.WriteString("\n\n")

	b.WriteString(SolutionHeader)
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n\n")

	b.WriteString(TranscriptHeader)
	b.WriteString("\n")
	b.WriteString(RenderTranscript(transcript))
	return b.String()
}

// RenderTranscript renders messages as "<role>: <content>" lines in order.
// An empty transcript renders as "".
func RenderTranscript(transcript []domain.Message) string {
	lines := make([]string, 0, len(transcript))
	for _, m := range transcript {
		lines = append(lines, string(m.Role)+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
