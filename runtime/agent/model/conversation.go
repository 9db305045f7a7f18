package model

import "strings"

// Conversation folds history into a strictly alternating user/assistant
// sequence starting with a user message, as required by providers without a
// mid-conversation system role. System messages become user messages and
// consecutive messages of the same role are joined with a blank line.
func Conversation(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if m.Content == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = strings.Join([]string{out[n-1].Content, m.Content}, "\n\n")
			continue
		}
		if len(out) == 0 && role == RoleAssistant {
			out = append(out, Message{Role: RoleUser, Content: "(conversation resumed)"})
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	return out
}
