package models

import "time"

// DefaultConversationTitle is used when the first message carries no query.
const DefaultConversationTitle = "New Analysis"

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a thread of scans run by one analyst
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a conversation. Assistant messages link the
// analysis they report; Analysis is only populated on read.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Image          string    `json:"image,omitempty"`
	AnalysisID     string    `json:"analysis_id,omitempty"`
	Analysis       *Analysis `json:"analysis,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
