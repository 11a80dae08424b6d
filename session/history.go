package session

import (
	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/llm"
)

// DefaultHistoryCap is the per-call conversation history limit.
const DefaultHistoryCap = 20

// trimHistory enforces the history cap. When the history exceeds the cap it
// retains the system message (if present) plus the most recent cap-1 entries,
// drops any tool-role messages left stranded at the head of the retained
// window, then re-inserts the system message at position 0 if it was evicted.
// The result never begins with a tool message, so every downstream request
// built from it satisfies the tool-pairing rule chat APIs enforce.
func trimHistory(history []llm.Message, cap int, logger *zap.Logger) []llm.Message {
	if len(history) <= cap {
		return history
	}

	var system *llm.Message
	for i := range history {
		if history[i].Role == llm.RoleSystem {
			system = &history[i]
			break
		}
	}

	retained := history[len(history)-(cap-1):]

	// Drop tool results whose requesting assistant message fell outside the
	// retained window.
	for len(retained) > 0 && retained[0].Role == llm.RoleTool {
		logger.Warn("dropping orphaned tool message during history trim",
			zap.String("tool_call_id", retained[0].ToolCallID),
			zap.String("tool_name", retained[0].ToolName))
		retained = retained[1:]
	}

	if system != nil && !containsSystem(retained) {
		out := make([]llm.Message, 0, len(retained)+1)
		out = append(out, *system)
		out = append(out, retained...)
		return out
	}

	out := make([]llm.Message, len(retained))
	copy(out, retained)
	return out
}

func containsSystem(msgs []llm.Message) bool {
	for i := range msgs {
		if msgs[i].Role == llm.RoleSystem {
			return true
		}
	}
	return false
}
