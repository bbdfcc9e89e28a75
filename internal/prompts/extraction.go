package prompts

import "fmt"

// memoryExtractionTemplate asks a model for durable facts about the user
// from a finished conversation. Format verbs: memories already known,
// then the conversation.
const memoryExtractionTemplate = `Read this conversation between a user and their voice assistant and list facts about the user worth remembering in future conversations. Focus on:
- Their name and the names of people they mention
- Preferences and habits
- Apps and contacts they use often
- Plans or commitments they mentioned

Skip small talk, one-off device commands, and anything already known.

Already known:
%s

Conversation:
%s

Return JSON only. Each memory is one short sentence in the third person:

{"memories": ["User's name is Sam", "Sam's sister is called Priya"]}

If nothing is worth remembering:
{"memories": []}

JSON:`

// MemoryExtractionPrompt returns the memory extraction prompt. known
// lists memories already stored so the model can skip them.
func MemoryExtractionPrompt(known, conversation string) string {
	if known == "" {
		known = "(nothing yet)"
	}
	return fmt.Sprintf(memoryExtractionTemplate, known, conversation)
}
