package history

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordExchangeCreatesSession(t *testing.T) {
	store := newTestStore(t)

	sources := json.RawMessage(`[{"title":"manual.pdf","page":4}]`)
	require.NoError(t, store.RecordExchange("sess-1", "how do I index a folder?", "Open Settings and add the folder.", sources))

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].ID)
	assert.Equal(t, "how do I index a folder?", sessions[0].Title)

	sess, messages, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "how do I index a folder?", messages[0].Content)
	assert.Empty(t, messages[0].Sources)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.JSONEq(t, string(sources), string(messages[1].Sources))
}

func TestRecordExchangeAppendsToExistingSession(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordExchange("sess-1", "first question", "first answer", nil))
	require.NoError(t, store.RecordExchange("sess-1", "second question", "second answer", nil))

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1, "same session ID must not create a second session")

	_, messages, err := store.GetSession("sess-1")
	require.NoError(t, err)
	assert.Len(t, messages, 4)
}

func TestSessionTitleIsTruncated(t *testing.T) {
	store := newTestStore(t)

	long := ""
	for i := 0; i < 30; i++ {
		long += "words "
	}
	require.NoError(t, store.RecordExchange("sess-long", long, "ok", nil))

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Len(t, sessions[0].Title, 80)
}

func TestGetSessionUnknownID(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.GetSession("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.RecordExchange("sess-1", "q", "a", nil))
	require.NoError(t, store.DeleteSession("sess-1"))

	_, _, err := store.GetSession("sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Deleting a missing session is not an error.
	require.NoError(t, store.DeleteSession("sess-1"))
}

func TestListSessionsEmpty(t *testing.T) {
	store := newTestStore(t)
	sessions, err := store.ListSessions()
	require.NoError(t, err)
	assert.NotNil(t, sessions)
	assert.Empty(t, sessions)
}
