package prompts

import "fmt"

// clarificationTemplate asks a model whether a task instruction is
// specific enough for the executor. Format verbs: instruction, then the
// conversation so far.
const clarificationTemplate = `An assistant is about to hand this instruction to an executor that operates a phone on the user's behalf:

Instruction: %s

Conversation so far:
%s

Decide whether the executor could carry it out without guessing. Missing recipients, message text, app names, dates, or amounts usually need clarification. Requests that are already clear from the conversation do not.

Return JSON only, in one of these forms:

{"status": "CLEAR", "questions": []}

{"status": "NEEDS_CLARIFICATION", "questions": ["Who should I send it to?", "What should the message say?"]}

Ask at most two short questions that can be spoken aloud.

JSON:`

// ClarificationPrompt returns the clarification analysis prompt for an
// instruction and a plain-text rendering of the conversation.
func ClarificationPrompt(instruction, conversation string) string {
	return fmt.Sprintf(clarificationTemplate, instruction, conversation)
}
