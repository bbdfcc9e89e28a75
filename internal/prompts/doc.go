// Package prompts contains the prompt text Parley sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: the dialog loop substitutes placeholders into the system prompt
// every turn and parses the replies that the other prompts ask for.
//
// Convention: each prompt gets its own file with an exported function
// that accepts the dynamic parts and returns the finished string.
package prompts
