package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the relational semantics, including pointer updates and
// (create_time, id) sibling ordering.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	convs  map[int64]*Conversation
	msgs   map[int64]*Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		convs:  make(map[int64]*Conversation),
		msgs:   make(map[int64]*Message),
	}
}

func (s *MemoryStore) allocID() int64 {
	id := s.nextID
	s.nextID++
	return id
}

func (s *MemoryStore) Create(_ context.Context, userID int64, title, modelCode string) (*Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv := &Conversation{
		ID:         s.allocID(),
		UserID:     userID,
		Title:      title,
		ModelCode:  modelCode,
		CreateTime: now,
		UpdateTime: now,
	}
	s.convs[conv.ID] = conv
	out := *conv
	return &out, nil
}

func (s *MemoryStore) EnsureOwner(_ context.Context, conversationID, userID int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationID]
	if !ok || conv.UserID != userID {
		return nil, ErrForbidden
	}
	out := *conv
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, userID int64) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			convs = append(convs, *conv)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdateTime.After(convs[j].UpdateTime)
	})
	return convs, nil
}

func (s *MemoryStore) Rename(ctx context.Context, userID, conversationID int64, title string) error {
	if _, err := s.EnsureOwner(ctx, conversationID, userID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[conversationID]
	conv.Title = title
	conv.UpdateTime = time.Now()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID, conversationID int64) error {
	if _, err := s.EnsureOwner(ctx, conversationID, userID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, msg := range s.msgs {
		if msg.ConversationID == conversationID {
			delete(s.msgs, id)
		}
	}
	delete(s.convs, conversationID)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, userID, conversationID int64) (*History, error) {
	conv, err := s.EnsureOwner(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []Message
	for _, msg := range s.msgs {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, *msg)
		}
	}
	sortMessages(msgs)
	return &History{Messages: msgs, CurrentMessageID: conv.CurrentMessageID}, nil
}

func (s *MemoryStore) PersistMessage(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ContentType == "" {
		msg.ContentType = "TEXT"
	}
	msg.ID = s.allocID()
	msg.CreateTime = time.Now()
	stored := *msg
	s.msgs[msg.ID] = &stored

	if conv, ok := s.convs[msg.ConversationID]; ok {
		conv.LastMessageID = &stored.ID
		conv.LastMessageAt = &stored.CreateTime
		conv.CurrentMessageID = &stored.ID
		conv.UpdateTime = stored.CreateTime
	}
	return nil
}

func (s *MemoryStore) SiblingMessages(ctx context.Context, messageID int64) (*SiblingSet, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ParentID == nil {
		return &SiblingSet{Current: 0, Total: 1, Siblings: []int64{messageID}}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var siblings []Message
	for _, m := range s.msgs {
		if m.ParentID != nil && *m.ParentID == *msg.ParentID {
			siblings = append(siblings, *m)
		}
	}
	sortMessages(siblings)

	ids := make([]int64, len(siblings))
	current := 0
	for i, m := range siblings {
		ids[i] = m.ID
		if m.ID == messageID {
			current = i
		}
	}
	return &SiblingSet{Current: current, Total: len(ids), Siblings: ids}, nil
}

func (s *MemoryStore) SetCurrentMessage(_ context.Context, conversationID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[conversationID]; ok {
		id := messageID
		conv.CurrentMessageID = &id
		conv.UpdateTime = time.Now()
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.msgs[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func sortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreateTime.Equal(msgs[j].CreateTime) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreateTime.Before(msgs[j].CreateTime)
	})
}
