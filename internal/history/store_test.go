package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storedEvent(t *testing.T, text string, at time.Time) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewEvent(protocol.TypeAssistantMessage, map[string]any{"text": text})
	require.NoError(t, err)
	msg.ID = protocol.NewEventID()
	msg.Timestamp = at
	return msg
}

func TestAppendAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, text := range []string{"first", "second", "third"} {
		msg := storedEvent(t, text, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Append(ctx, "s1", msg))
	}

	msgs, err := store.List(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var data map[string]any
	require.NoError(t, msgs[0].ParseData(&data))
	assert.Equal(t, "first", data["text"])
	require.NoError(t, msgs[2].ParseData(&data))
	assert.Equal(t, "third", data["text"])
}

func TestListPaging(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		msg := storedEvent(t, "ev", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Append(ctx, "s1", msg))
	}

	page, err := store.List(ctx, "s1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = store.List(ctx, "s1", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestListIsolatesSessions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", storedEvent(t, "a", time.Now().UTC())))
	require.NoError(t, store.Append(ctx, "s2", storedEvent(t, "b", time.Now().UTC())))

	msgs, err := store.List(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClear(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", storedEvent(t, "a", time.Now().UTC())))
	require.NoError(t, store.Clear(ctx, "s1"))

	msgs, err := store.List(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppendIdempotentByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	msg := storedEvent(t, "a", time.Now().UTC())
	require.NoError(t, store.Append(ctx, "s1", msg))
	require.NoError(t, store.Append(ctx, "s1", msg))

	msgs, err := store.List(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
