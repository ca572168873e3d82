package conversation

import "github.com/nugget/counselor-agent/internal/llm"

// Replayable filters msgs down to what may be sent back to an engine.
// An assistant message carrying tool calls is kept only when every one
// of its call ids is answered by a later tool message; otherwise it and
// any tool messages answering it are dropped. Tool messages with no kept
// parent are dropped too. Everything else passes through in order.
// The second result is the number of messages removed.
func Replayable(msgs []Message) ([]Message, int) {
	answeredAt := make(map[string]int)
	for i, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			if _, ok := answeredAt[m.ToolCallID]; !ok {
				answeredAt[m.ToolCallID] = i
			}
		}
	}

	open := make(map[string]bool) // call ids of kept parents not yet answered
	kept := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		switch {
		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			complete := true
			for _, tc := range m.ToolCalls {
				if j, ok := answeredAt[tc.ID]; !ok || j < i {
					complete = false
					break
				}
			}
			if !complete {
				continue
			}
			for _, tc := range m.ToolCalls {
				open[tc.ID] = true
			}
			kept = append(kept, m)

		case m.Role == llm.RoleTool:
			if !open[m.ToolCallID] {
				continue
			}
			delete(open, m.ToolCallID)
			kept = append(kept, m)

		default:
			kept = append(kept, m)
		}
	}
	return kept, len(msgs) - len(kept)
}

// ToLLM converts stored messages to engine messages.
func ToLLM(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}
