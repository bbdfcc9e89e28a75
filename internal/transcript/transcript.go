// Package transcript holds the ordered turn history of one
// conversation. Entry 0 is always the system prompt, re-rendered from
// its template before each model call; every later entry is appended
// once and never changed.
package transcript

import "strings"

// Role identifies who produced an entry.
type Role string

// Roles.
const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Entry is one turn in the conversation.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is owned by a single session and is not safe for
// concurrent use.
type Transcript struct {
	template Template
	entries  []Entry
}

// New starts a transcript whose first entry is tmpl rendered with no
// values, so every placeholder reads "none" until the first Refresh.
func New(tmpl Template) *Transcript {
	return &Transcript{
		template: tmpl,
		entries:  []Entry{{Role: RoleUser, Content: tmpl.Render(nil)}},
	}
}

// Refresh re-renders the system prompt from the pristine template.
func (t *Transcript) Refresh(values map[string]string) {
	t.entries[0].Content = t.template.Render(values)
}

// Append adds an entry to the end of the history.
func (t *Transcript) Append(role Role, content string) {
	t.entries = append(t.entries, Entry{Role: role, Content: content})
}

// Entries returns a copy of the history, system prompt first.
func (t *Transcript) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries including the system prompt.
func (t *Transcript) Len() int { return len(t.entries) }

// SystemPrompt returns the current rendered system prompt.
func (t *Transcript) SystemPrompt() string { return t.entries[0].Content }

// Text renders the history after the system prompt as "role: content"
// lines for prompts that analyze the conversation.
func Text(entries []Entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i == 0 {
			continue
		}
		sb.WriteString(string(e.Role))
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}
