package transcript

import "strings"

// Placeholders recognized in the system prompt template.
const (
	AgentStatus = "{agent_status_context}"
	Screen      = "{screen_context}"
	Memory      = "{memory_context}"
	Time        = "{time_context}"
)

// Placeholders lists every placeholder Render substitutes.
var Placeholders = []string{AgentStatus, Screen, Memory, Time}

// None is substituted for a placeholder with no value.
const None = "none"

// Template is a system prompt containing placeholders. Substitution is
// literal text replacement.
type Template string

// Render replaces every occurrence of each placeholder with its value
// from values, or None when the value is missing or blank. Keys that
// are not known placeholders are also replaced if they appear.
func (t Template) Render(values map[string]string) string {
	pairs := make([]string, 0, 2*(len(Placeholders)+len(values)))
	for _, p := range Placeholders {
		v := strings.TrimSpace(values[p])
		if v == "" {
			v = None
		}
		pairs = append(pairs, p, v)
	}
	for k, v := range values {
		if k == "" || isPlaceholder(k) {
			continue
		}
		pairs = append(pairs, k, v)
	}
	return strings.NewReplacer(pairs...).Replace(string(t))
}

func isPlaceholder(k string) bool {
	for _, p := range Placeholders {
		if p == k {
			return true
		}
	}
	return false
}

// FormatMemories renders snippets as a "- " bulleted list.
func FormatMemories(snippets []string) string {
	var sb strings.Builder
	for i, s := range snippets {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(s)
	}
	return sb.String()
}
