package gateway

import "strings"

const (
	promptPreamble = "You are a helpful medical assistant. "
	promptGuidance = "Please provide a helpful, accurate, and professional response to the following medical query. " +
		"Important: Always recommend consulting with healthcare professionals for serious medical concerns.\n\n"
)

// BuildPrompt wraps the user query with the fixed preamble and the department context
func BuildPrompt(query, departmentContext string) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	if departmentContext != "" {
		b.WriteString("Context: ")
		b.WriteString(departmentContext)
		b.WriteString("\n\n")
	}
	b.WriteString(promptGuidance)
	b.WriteString("Query: ")
	b.WriteString(query)
	return b.String()
}
