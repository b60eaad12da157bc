package messaging

import "github.com/schoolhub/messaging/store/conversation"

// CanManage reports whether p may add or remove participants of c. Only group
// owners can; direct conversations have no managers.
func CanManage(c *conversation.Conversation, p *conversation.Participant) bool {
	if c == nil || p == nil || p.ConversationID != c.ID {
		return false
	}
	return c.Type == conversation.TypeGroup && p.Role == conversation.RoleOwner
}
