// Package decision turns a raw model response into a typed Decision.
//
// The model is asked to answer with one JSON object:
//
//	{"Type": "Reply"|"Task"|"KillTask", "Reply": "...",
//	 "Instruction": "...", "Should End": "Continue"|"Finished"}
//
// Models routinely wrap that object in a fenced code block or emit
// something that is not JSON at all. Parse never fails: every input
// yields a Decision that can be acted on.
package decision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is what the model wants the assistant to do with a turn.
type Kind string

// Decision kinds.
const (
	Reply    Kind = "Reply"
	Task     Kind = "Task"
	KillTask Kind = "KillTask"
)

// Response keys.
const (
	KeyType        = "Type"
	KeyReply       = "Reply"
	KeyInstruction = "Instruction"
	KeyShouldEnd   = "Should End"
)

// Fixed replies substituted when the response cannot be used as is.
const (
	EmptyReplyText     = "I'm not sure how to respond to that."
	MalformedReplyText = "I seem to have gotten my thoughts tangled. Could you repeat that?"
	UnusableReplyText  = "I had a minor issue processing that. Could you try again?"
)

// FallbackResponse is the payload used in place of a missing model
// response.
const FallbackResponse = `{"Type": "Reply", "Reply": "I'm sorry, I had an issue.", "Instruction": "", "Should End": "Continue"}`

// Decision is the parsed interpretation of one model response.
// Instruction is non-empty only when Kind is Task.
type Decision struct {
	Kind        Kind
	ReplyText   string
	Instruction string
	ShouldEnd   bool
}

// String renders a compact form for logs.
func (d Decision) String() string {
	return fmt.Sprintf("%s(reply=%q instruction=%q end=%t)", d.Kind, d.ReplyText, d.Instruction, d.ShouldEnd)
}

const fence = "```"

// StripFences removes a leading code fence, with or without a
// language tag, and a trailing fence. A fenced response is cut at its
// first '{'; every payload the model is asked for is a JSON object.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, fence) {
		if i := strings.IndexByte(s, '{'); i >= 0 {
			s = s[i:]
		} else {
			s = strings.TrimSpace(s[len(fence):])
		}
	}
	if strings.HasSuffix(s, fence) {
		s = strings.TrimSpace(s[:len(s)-len(fence)])
	}
	return s
}

// Parse interprets raw as a Decision. It is pure and never panics.
func Parse(raw string) Decision {
	cleaned := StripFences(raw)

	var v any
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return Decision{Kind: Reply, ReplyText: MalformedReplyText}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Decision{Kind: Reply, ReplyText: UnusableReplyText}
	}

	d := Decision{
		Kind:        parseKind(field(obj, KeyType, string(Reply))),
		ReplyText:   field(obj, KeyReply, ""),
		Instruction: strings.TrimSpace(field(obj, KeyInstruction, "")),
		ShouldEnd:   strings.EqualFold(strings.TrimSpace(field(obj, KeyShouldEnd, "Continue")), "Finished"),
	}

	switch d.Kind {
	case Task:
		if d.Instruction == "" {
			d.Kind = Reply
		}
	default:
		d.Instruction = ""
	}

	if d.Kind == Reply && strings.TrimSpace(d.ReplyText) == "" {
		d.ReplyText = EmptyReplyText
	}
	return d
}

func parseKind(s string) Kind {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, string(Task)):
		return Task
	case strings.EqualFold(s, string(KillTask)):
		return KillTask
	default:
		return Reply
	}
}

// field returns obj[key] as a string, or def when the key is missing
// or null. Non-string values are formatted.
func field(obj map[string]any, key, def string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
