package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/supportline/internal/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("db: conversation not found")

// Viewer identifies who is reading. Agents see every conversation;
// customers only their own.
type Viewer struct {
	UserID  string
	IsAgent bool
}

// ListConversations returns one page of conversations visible to v, newest
// first.
func ListConversations(db *gorm.DB, v Viewer, page, pageSize int) (models.Page[models.Conversation], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	visible := func() *gorm.DB {
		q := db.Model(&models.Conversation{})
		if !v.IsAgent {
			q = q.Where("user_id = ?", v.UserID)
		}
		return q
	}

	var total int64
	if err := visible().Count(&total).Error; err != nil {
		return models.Page[models.Conversation]{}, fmt.Errorf("db: count conversations: %w", err)
	}

	var items []models.Conversation
	err := visible().Order("created_at DESC").Order("id").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&items).Error
	if err != nil {
		return models.Page[models.Conversation]{}, fmt.Errorf("db: list conversations: %w", err)
	}
	return models.NewPage(items, page, pageSize, int(total)), nil
}

// GetConversation loads a conversation by id.
func GetConversation(db *gorm.DB, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := db.Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: get conversation %s: %w", id, err)
	}
	return &c, nil
}

// CanAccess reports whether v may read or write conversation c.
func CanAccess(v Viewer, c *models.Conversation) bool {
	return v.IsAgent || c.UserID == v.UserID
}

// CreateConversation stores a new open conversation and, when initial is
// non-empty, its first message.
func CreateConversation(db *gorm.DB, userID, userName, subject, initial string, now time.Time) (*models.Conversation, error) {
	c := models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserName:  userName,
		Subject:   subject,
		Status:    models.StatusOpen,
		CreatedAt: now,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		if initial == "" {
			return nil
		}
		return tx.Create(&models.Message{
			ID:             uuid.NewString(),
			ConversationID: c.ID,
			SenderID:       userID,
			SenderName:     userName,
			Content:        initial,
			SentAt:         now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("db: create conversation: %w", err)
	}
	return &c, nil
}

// AppendMessage stores a message in conversation id.
func AppendMessage(db *gorm.DB, conversationID, senderID, senderName, content string, now time.Time) (*models.Message, error) {
	m := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		Content:        content,
		SentAt:         now,
	}
	if err := db.Create(&m).Error; err != nil {
		return nil, fmt.Errorf("db: append message to %s: %w", conversationID, err)
	}
	return &m, nil
}

// History returns all messages in a conversation ordered by send time.
func History(db *gorm.DB, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := db.Where("conversation_id = ?", conversationID).
		Order("sent_at").Order("id").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("db: history %s: %w", conversationID, err)
	}
	return msgs, nil
}

// MarkRead marks messages in a conversation sent by anyone other than
// readerID as read. It returns the number of rows changed.
func MarkRead(db *gorm.DB, conversationID, readerID string) (int64, error) {
	res := db.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
		Update("is_read", true)
	if res.Error != nil {
		return 0, fmt.Errorf("db: mark read %s: %w", conversationID, res.Error)
	}
	return res.RowsAffected, nil
}

// SetStatus changes a conversation's status and stamps the resolution or
// closure time.
func SetStatus(db *gorm.DB, id string, status models.Status, now time.Time) (*models.Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("db: set status %s: invalid status %d", id, int(status))
	}
	c, err := GetConversation(db, id)
	if err != nil {
		return nil, err
	}
	c.ApplyStatus(status, now)
	if err := db.Save(c).Error; err != nil {
		return nil, fmt.Errorf("db: set status %s: %w", id, err)
	}
	return c, nil
}

// CloseResolved closes every conversation resolved before cutoff and returns
// the conversations it closed.
func CloseResolved(db *gorm.DB, cutoff, now time.Time) ([]models.Conversation, error) {
	var stale []models.Conversation
	err := db.Where("status = ? AND resolved_at IS NOT NULL AND resolved_at < ?", models.StatusResolved, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("db: find resolved: %w", err)
	}

	closed := make([]models.Conversation, 0, len(stale))
	for i := range stale {
		c := stale[i]
		c.ApplyStatus(models.StatusClosed, now)
		if err := db.Save(&c).Error; err != nil {
			return closed, fmt.Errorf("db: close %s: %w", c.ID, err)
		}
		closed = append(closed, c)
	}
	return closed, nil
}
