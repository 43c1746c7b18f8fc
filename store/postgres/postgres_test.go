package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"

	"github.com/smallnest/chatgraph/store"
)

func TestPostgresStore_Put(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	state := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
	}
	stateJSON, _ := json.Marshal(state)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(
			"thread-1",
			pgxmock.AnyArg(), // generated checkpoint id
			pgxmock.AnyArg(), // parent pointer
			stateJSON,
			2,
			pgxmock.AnyArg(), // created_at
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	cp, err := st.Put(context.Background(), "thread-1", "cp-parent", state)
	assert.NoError(t, err)
	assert.NotEmpty(t, cp.ID)
	assert.Equal(t, "thread-1", cp.ThreadID)
	assert.Equal(t, "cp-parent", cp.ParentID)
	assert.Equal(t, 2, cp.MessageCount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put_RootHasNullParent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs(
			"thread-1",
			pgxmock.AnyArg(),
			(*string)(nil), // root checkpoints store NULL, not ""
			pgxmock.AnyArg(),
			0,
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	cp, err := st.Put(context.Background(), "thread-1", "", map[string]any{})
	assert.NoError(t, err)
	assert.Empty(t, cp.ParentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Put_MarshalError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	state := map[string]any{"bad": make(chan int)}
	_, err = st.Put(context.Background(), "thread-1", "", state)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to marshal state")
}

func TestPostgresStore_Get(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	state := map[string]any{"messages": []any{"a", "b", "c"}}
	stateJSON, _ := json.Marshal(state)
	parent := "cp-0"
	created := time.Now()

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "serialized_state", "message_count", "created_at"}).
		AddRow("thread-1", "cp-1", &parent, stateJSON, 3, created)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at")).
		WithArgs("thread-1", "cp-1").
		WillReturnRows(rows)

	cp, err := st.Get(context.Background(), "thread-1", "cp-1")
	assert.NoError(t, err)
	assert.Equal(t, "cp-1", cp.ID)
	assert.Equal(t, "cp-0", cp.ParentID)
	assert.Equal(t, 3, cp.MessageCount)
	msgs, ok := cp.State["messages"].([]any)
	assert.True(t, ok)
	assert.Len(t, msgs, 3)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at")).
		WithArgs("thread-1", "missing").
		WillReturnError(pgx.ErrNoRows)

	cp, err := st.Get(context.Background(), "thread-1", "missing")
	assert.Nil(t, cp)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_InvalidStateJSON(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "serialized_state", "message_count", "created_at"}).
		AddRow("thread-1", "cp-1", (*string)(nil), []byte("{invalid"), 0, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at")).
		WithArgs("thread-1", "cp-1").
		WillReturnRows(rows)

	cp, err := st.Get(context.Background(), "thread-1", "cp-1")
	assert.Nil(t, cp)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal state")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Latest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	stateJSON, _ := json.Marshal(map[string]any{"messages": []any{"a"}})

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "serialized_state", "message_count", "created_at"}).
		AddRow("thread-1", "cp-9", (*string)(nil), stateJSON, 1, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, checkpoint_id DESC")).
		WithArgs("thread-1").
		WillReturnRows(rows)

	cp, err := st.Latest(context.Background(), "thread-1")
	assert.NoError(t, err)
	assert.Equal(t, "cp-9", cp.ID)
	assert.Empty(t, cp.ParentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Latest_EmptyThread(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, checkpoint_id DESC")).
		WithArgs("thread-empty").
		WillReturnError(pgx.ErrNoRows)

	cp, err := st.Latest(context.Background(), "thread-empty")
	assert.Nil(t, cp)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	created := time.Now()
	parent := "cp-1"
	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "serialized_state", "message_count", "created_at"}).
		AddRow("thread-1", "cp-1", (*string)(nil), []byte(`{"messages":[]}`), 0, created).
		AddRow("thread-1", "cp-2", &parent, []byte(`{"messages":["a"]}`), 1, created.Add(time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC, checkpoint_id ASC")).
		WithArgs("thread-1").
		WillReturnRows(rows)

	list, err := st.List(context.Background(), "thread-1", 0)
	assert.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "cp-1", list[0].ID)
	assert.Equal(t, "cp-2", list[1].ID)
	assert.Equal(t, "cp-1", list[1].ParentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_WithLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	rows := pgxmock.NewRows([]string{"thread_id", "checkpoint_id", "parent_checkpoint_id", "serialized_state", "message_count", "created_at"}).
		AddRow("thread-1", "cp-1", (*string)(nil), []byte(`{}`), 0, time.Now())

	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2")).
		WithArgs("thread-1", 1).
		WillReturnRows(rows)

	list, err := st.List(context.Background(), "thread-1", 1)
	assert.NoError(t, err)
	assert.Len(t, list, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	dbError := errors.New("database connection failed")
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC, checkpoint_id ASC")).
		WithArgs("thread-1").
		WillReturnError(dbError)

	list, err := st.List(context.Background(), "thread-1", 0)
	assert.Nil(t, list)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list checkpoints")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteThread(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE thread_id = $1")).
		WithArgs("thread-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	err = st.DeleteThread(context.Background(), "thread-1")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InitSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err = st.InitSchema(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InitSchema_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "checkpoints")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnError(errors.New("database connection failed"))

	err = st.InitSchema(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create schema")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresStoreWithPool_DefaultTableName(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStoreWithPool(mock, "")
	assert.Equal(t, "checkpoints", st.tableName)
}

func TestNewPostgresStore_InvalidConnString(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), Options{ConnString: "invalid://conn"})
	assert.Error(t, err)
}
