package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/vocalis-ai/vocalis/llm"
)

func TestTrimHistoryUnderCapUntouched(t *testing.T) {
	history := []llm.Message{
		llm.NewSystemMessage("prompt"),
		llm.NewUserMessage("hi"),
		llm.NewAssistantMessage("hello"),
	}
	out := trimHistory(history, 20, zap.NewNop())
	assert.Equal(t, history, out)
}

func TestTrimHistoryKeepsSystemAndRecentTail(t *testing.T) {
	history := []llm.Message{llm.NewSystemMessage("prompt")}
	for i := 0; i < 30; i++ {
		history = append(history, llm.NewUserMessage(fmt.Sprintf("turn %d", i)))
	}

	out := trimHistory(history, 20, zap.NewNop())
	assert.Len(t, out, 20)
	assert.Equal(t, llm.RoleSystem, out[0].Role)
	assert.Equal(t, "turn 29", out[len(out)-1].Content)
	assert.Equal(t, "turn 11", out[1].Content)
}

func TestTrimHistoryDropsOrphanedToolResults(t *testing.T) {
	// Build a history where the trim boundary lands between an assistant
	// tool call and its tool result, stranding the result at the head.
	var history []llm.Message
	for i := 0; i < 3; i++ {
		history = append(history, llm.NewUserMessage(fmt.Sprintf("turn %d", i)))
	}
	history = append(history,
		llm.NewAssistantMessage("").WithToolCalls(llm.ToolCall{ID: "call_1", Name: "lookup"}),
		llm.NewToolMessage("call_1", "lookup", `{"ok":true}`),
	)
	for i := 0; i < 18; i++ {
		history = append(history, llm.NewUserMessage(fmt.Sprintf("after %d", i)))
	}

	// 23 messages against a cap of 20: the assistant tool call is the last
	// evicted entry, stranding its result at the head of the window.
	out := trimHistory(history, 20, zap.NewNop())
	assert.NotEqual(t, llm.RoleTool, out[0].Role)
	for _, m := range out {
		if m.Role == llm.RoleTool {
			t.Fatalf("orphaned tool message survived trim: %+v", m)
		}
	}
}

func TestTrimHistoryNoSystemMessage(t *testing.T) {
	var history []llm.Message
	for i := 0; i < 25; i++ {
		history = append(history, llm.NewUserMessage(fmt.Sprintf("turn %d", i)))
	}

	out := trimHistory(history, 20, zap.NewNop())
	assert.Len(t, out, 19)
	assert.Equal(t, "turn 6", out[0].Content)
	assert.Equal(t, "turn 24", out[len(out)-1].Content)
}

func TestTrimHistoryProperties(t *testing.T) {
	roles := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}

	rapid.Check(t, func(t *rapid.T) {
		cap := rapid.IntRange(2, 30).Draw(t, "cap")
		n := rapid.IntRange(0, 80).Draw(t, "len")

		history := make([]llm.Message, 0, n)
		for i := 0; i < n; i++ {
			role := roles[rapid.IntRange(0, len(roles)-1).Draw(t, "role")]
			msg := llm.NewMessage(role, fmt.Sprintf("m%d", i))
			if role == llm.RoleTool {
				msg.ToolCallID = fmt.Sprintf("call_%d", i)
			}
			history = append(history, msg)
		}

		hadSystem := containsSystem(history)
		out := trimHistory(history, cap, zap.NewNop())

		if len(out) > cap {
			t.Fatalf("trim produced %d messages over cap %d", len(out), cap)
		}
		if len(history) <= cap && len(out) != len(history) {
			t.Fatalf("under-cap history changed length: %d -> %d", len(history), len(out))
		}
		if len(history) > cap {
			if len(out) > 0 && out[0].Role == llm.RoleTool {
				t.Fatalf("trimmed history starts with tool message")
			}
			if hadSystem && !containsSystem(out) {
				t.Fatalf("system message lost during trim")
			}
			// The retained tail preserves input order.
			if len(out) >= 2 && len(history) > 0 {
				last := out[len(out)-1]
				if last.Content != history[len(history)-1].Content {
					t.Fatalf("most recent message not retained: got %q", last.Content)
				}
			}
		}
	})
}
