package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GormStore is the relational Store backed by gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm handle. AutoMigrate is left to the caller
// so tests and deployments can choose their own schema management.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the conversation and message tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("failed to migrate conversation schema: %w", err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, userID int64, title, modelCode string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	conv := &Conversation{
		UserID:    userID,
		Title:     title,
		ModelCode: modelCode,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *GormStore) EnsureOwner(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}
	return &conv, nil
}

func (s *GormStore) List(ctx context.Context, userID int64) ([]Conversation, error) {
	var convs []Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("update_time DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func (s *GormStore) Rename(ctx context.Context, userID, conversationID int64, title string) error {
	if _, err := s.EnsureOwner(ctx, conversationID, userID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{"title": title, "update_time": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to rename conversation %d: %w", conversationID, err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.EnsureOwner(ctx, conversationID, userID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Conversation{}, conversationID).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation %d: %w", conversationID, err)
	}
	return nil
}

func (s *GormStore) History(ctx context.Context, userID, conversationID int64) (*History, error) {
	conv, err := s.EnsureOwner(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	err = s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("create_time ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history for conversation %d: %w", conversationID, err)
	}
	return &History{Messages: msgs, CurrentMessageID: conv.CurrentMessageID}, nil
}

// PersistMessage inserts the row and advances the conversation pointers in
// one transaction, so a crash never leaves the pointers behind the tree.
func (s *GormStore) PersistMessage(ctx context.Context, msg *Message) error {
	if msg.ContentType == "" {
		msg.ContentType = "TEXT"
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]any{
				"last_message_id":    msg.ID,
				"last_message_at":    msg.CreateTime,
				"current_message_id": msg.ID,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	return nil
}

func (s *GormStore) SiblingMessages(ctx context.Context, messageID int64) (*SiblingSet, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ParentID == nil {
		return &SiblingSet{Current: 0, Total: 1, Siblings: []int64{messageID}}, nil
	}

	var ids []int64
	err = s.db.WithContext(ctx).
		Model(&Message{}).
		Where("parent_id = ?", *msg.ParentID).
		Order("create_time ASC, id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load siblings of message %d: %w", messageID, err)
	}

	current := 0
	for i, id := range ids {
		if id == messageID {
			current = i
			break
		}
	}
	return &SiblingSet{Current: current, Total: len(ids), Siblings: ids}, nil
}

func (s *GormStore) SetCurrentMessage(ctx context.Context, conversationID, messageID int64) error {
	err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{"current_message_id": messageID, "update_time": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to set current message: %w", err)
	}
	return nil
}

func (s *GormStore) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).First(&msg, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %d: %w", messageID, err)
	}
	return &msg, nil
}
