package llm

import "go.uber.org/zap"

// SanitizeHistory drops orphaned tool messages from a message list before it
// is sent upstream. A tool message is kept only when the nearest preceding
// non-tool message is an assistant message whose tool-call list contains the
// matching id; chat-completion APIs reject anything else. The returned slice
// never begins with a tool message.
//
// Dropped messages are logged as warnings, never treated as fatal.
func SanitizeHistory(msgs []Message, logger *zap.Logger) []Message {
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make([]Message, 0, len(msgs))
	var lastNonTool *Message
	for i := range msgs {
		m := msgs[i]
		if m.Role != RoleTool {
			out = append(out, m)
			lastNonTool = &msgs[i]
			continue
		}

		if lastNonTool == nil || lastNonTool.Role != RoleAssistant || !hasToolCall(lastNonTool.ToolCalls, m.ToolCallID) {
			logger.Warn("dropping orphaned tool message",
				zap.String("tool_call_id", m.ToolCallID),
				zap.String("tool_name", m.ToolName))
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasToolCall(calls []ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}
