package rag

import "strings"

// SystemPreamble is the fixed instruction placed at the top of every prompt.
const SystemPreamble = "You are Vortex, a concise assistant. Use the provided context when relevant.\n\n"

// BuildPrompt composes the system preamble, the retrieved context and the
// user query into a single prompt. Fragments are joined with a blank line;
// the CONTEXT block is present but empty when nothing was retrieved. The
// function is pure and never fails.
func BuildPrompt(query string, fragments []string) string {
	var b strings.Builder
	b.WriteString(SystemPreamble)
	b.WriteString("CONTEXT:\n")
	b.WriteString(strings.Join(fragments, "\n\n"))
	b.WriteString("\n\nUser: ")
	b.WriteString(query)
	b.WriteString("\nAssistant:")
	return b.String()
}
