package conversation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/internal/conversation"
)

func persist(t *testing.T, store conversation.Store, convID int64, role, content string, parentID *int64) *conversation.Message {
	t.Helper()
	msg := &conversation.Message{
		ConversationID: convID,
		SenderID:       1,
		Role:           role,
		Content:        content,
		ParentID:       parentID,
	}
	require.NoError(t, store.PersistMessage(context.Background(), msg))
	return msg
}

func TestCreateDefaultTitle(t *testing.T) {
	store := conversation.NewMemoryStore()

	conv, err := store.Create(context.Background(), 1, "", "deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, conversation.DefaultTitle, conv.Title)
	assert.Equal(t, "deepseek-chat", conv.ModelCode)
}

func TestEnsureOwner(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()

	conv, err := store.Create(ctx, 1, "t", "")
	require.NoError(t, err)

	got, err := store.EnsureOwner(ctx, conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	// A different user must not learn whether the conversation exists.
	_, err = store.EnsureOwner(ctx, conv.ID, 2)
	assert.ErrorIs(t, err, conversation.ErrForbidden)

	_, err = store.EnsureOwner(ctx, 99999, 1)
	assert.ErrorIs(t, err, conversation.ErrForbidden)
}

func TestPersistMessageAdvancesPointers(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()

	conv, err := store.Create(ctx, 1, "t", "")
	require.NoError(t, err)

	user := persist(t, store, conv.ID, "user", "hi", nil)
	assistant := persist(t, store, conv.ID, "assistant", "hello", &user.ID)

	got, err := store.EnsureOwner(ctx, conv.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	require.NotNil(t, got.CurrentMessageID)
	assert.Equal(t, assistant.ID, *got.LastMessageID)
	assert.Equal(t, assistant.ID, *got.CurrentMessageID)
	assert.NotNil(t, got.LastMessageAt)
}

func TestSiblingMessages(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()

	conv, err := store.Create(ctx, 1, "t", "")
	require.NoError(t, err)

	user := persist(t, store, conv.ID, "user", "hi", nil)
	first := persist(t, store, conv.ID, "assistant", "answer one", &user.ID)
	second := persist(t, store, conv.ID, "assistant", "answer two", &user.ID)

	// Root message is its own only sibling.
	set, err := store.SiblingMessages(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, &conversation.SiblingSet{Current: 0, Total: 1, Siblings: []int64{user.ID}}, set)

	// Either regeneration sees both, with its own index.
	set, err = store.SiblingMessages(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, set.Siblings)
	assert.Equal(t, 0, set.Current)
	assert.Equal(t, 2, set.Total)

	set, err = store.SiblingMessages(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, set.Siblings)
	assert.Equal(t, 1, set.Current)

	_, err = store.SiblingMessages(ctx, 99999)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestHistoryAndBranchPointer(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()

	conv, err := store.Create(ctx, 1, "t", "")
	require.NoError(t, err)

	user := persist(t, store, conv.ID, "user", "hi", nil)
	first := persist(t, store, conv.ID, "assistant", "one", &user.ID)
	second := persist(t, store, conv.ID, "assistant", "two", &user.ID)

	hist, err := store.History(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.Len(t, hist.Messages, 3)
	require.NotNil(t, hist.CurrentMessageID)
	assert.Equal(t, second.ID, *hist.CurrentMessageID)

	// Switching back to the first branch survives a reload.
	require.NoError(t, store.SetCurrentMessage(ctx, conv.ID, first.ID))
	hist, err = store.History(ctx, 1, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, *hist.CurrentMessageID)

	_, err = store.History(ctx, 2, conv.ID)
	assert.ErrorIs(t, err, conversation.ErrForbidden)
}

func TestDeleteRemovesMessages(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()

	conv, err := store.Create(ctx, 1, "t", "")
	require.NoError(t, err)
	msg := persist(t, store, conv.ID, "user", "hi", nil)

	require.NoError(t, store.Delete(ctx, 1, conv.ID))

	_, err = store.EnsureOwner(ctx, conv.ID, 1)
	assert.ErrorIs(t, err, conversation.ErrForbidden)
	_, err = store.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	// Deleting as a non-owner fails before touching anything.
	other, err := store.Create(ctx, 1, "t2", "")
	require.NoError(t, err)
	assert.ErrorIs(t, store.Delete(ctx, 2, other.ID), conversation.ErrForbidden)
}

func TestListOrdersByRecency(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()

	first, err := store.Create(ctx, 1, "first", "")
	require.NoError(t, err)
	second, err := store.Create(ctx, 1, "second", "")
	require.NoError(t, err)

	// Touching the older conversation moves it to the front.
	persist(t, store, first.ID, "user", "hi", nil)

	convs, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID)
	assert.Equal(t, second.ID, convs[1].ID)
}
