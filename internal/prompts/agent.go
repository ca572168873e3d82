package prompts

import "strings"

// EmptyResponseFallback is the user-facing message saved when the model
// produces no content in its final round.
const EmptyResponseFallback = "I wasn't able to generate a response."

// ToolRoundsExhausted is appended to the conversation sent with the
// final, tool-less model call after the tool round budget is spent.
const ToolRoundsExhausted = "You have used all available tool calls for this request. Answer the counselor now using the information you already have, and say what you could not look up."

// placeholders are progress markers some models and older clients put in
// the visible text. They never belong in a saved answer.
var placeholders = []string{"_Using tools..._", "_Thinking..._"}

// StripPlaceholders removes progress markers from text and trims the
// surrounding whitespace.
func StripPlaceholders(text string) string {
	for _, p := range placeholders {
		text = strings.ReplaceAll(text, p, "")
	}
	return strings.TrimSpace(text)
}
