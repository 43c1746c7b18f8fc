// Package conversation persists conversations and their message trees.
// Messages form a parent-pointer tree per conversation; siblings under the
// same parent are alternative regenerations of one turn.
package conversation

import "time"

// DefaultTitle is used when a conversation is created without one.
const DefaultTitle = "与聊天助手的会话"

// Conversation is one chat thread owned by a user. CurrentMessageID tracks
// the branch tip the user last selected; history loads retrace from it.
type Conversation struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id,string"`
	UserID           int64      `gorm:"not null;index" json:"userId,string"`
	Title            string     `gorm:"size:255" json:"title"`
	ModelCode        string     `gorm:"size:50" json:"modelCode"`
	LastMessageID    *int64     `json:"lastMessageId,string"`
	LastMessageAt    *time.Time `json:"lastMessageAt"`
	CurrentMessageID *int64     `json:"currentMessageId,string"`
	CreateTime       time.Time  `gorm:"autoCreateTime" json:"createTime"`
	UpdateTime       time.Time  `gorm:"autoUpdateTime" json:"updateTime"`
}

// TableName keeps the legacy table naming.
func (Conversation) TableName() string { return "t_conversation" }

// Message is one node of a conversation's message tree. ParentID is nil for
// the root; CheckpointID binds an assistant message to the graph state that
// produced it (weak reference, lookup only).
type Message struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id,string"`
	ConversationID int64     `gorm:"not null;index" json:"conversationId,string"`
	SenderID       int64     `gorm:"not null" json:"senderId,string"`
	Role           string    `gorm:"size:20;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	ContentType    string    `gorm:"size:50;default:TEXT" json:"contentType"`
	TokenCount     int       `gorm:"default:0" json:"tokenCount"`
	ModelCode      string    `gorm:"size:50" json:"modelCode"`
	ParentID       *int64    `gorm:"index" json:"parentId,string"`
	CheckpointID   *string   `gorm:"size:100" json:"checkpointId"`
	CreateTime     time.Time `gorm:"autoCreateTime" json:"createTime"`
}

// TableName keeps the legacy table naming.
func (Message) TableName() string { return "t_message" }

// History is the full message set of a conversation plus the branch pointer.
// The caller linearises on demand by walking ParentID from the pointer.
type History struct {
	Messages         []Message `json:"messages"`
	CurrentMessageID *int64    `json:"currentMessageId,string"`
}

// SiblingSet lists the messages sharing a parent with the queried message,
// ordered by (create_time, id) ascending, and the queried message's index.
type SiblingSet struct {
	Current  int     `json:"current"`
	Total    int     `json:"total"`
	Siblings []int64 `json:"siblings"`
}
