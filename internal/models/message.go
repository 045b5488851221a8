package models

import "time"

// Message is a single chat message inside a Conversation.
type Message struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;not null;index" json:"supportChatId"`
	SenderID       string    `gorm:"size:64;not null" json:"senderId"`
	SenderName     string    `gorm:"size:128" json:"senderName"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	SentAt         time.Time `gorm:"index" json:"sentAt"`
	IsRead         bool      `gorm:"default:false" json:"isRead"`
}
