package main

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := NewDatabase(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateTables())
	require.NoError(t, db.EnsureGlobalRoom())
	return db
}

func createTestUser(t *testing.T, db *Database, username string) *User {
	t.Helper()
	user, err := db.CreateUser(username, "password123")
	require.NoError(t, err)
	return user
}

func countRows(t *testing.T, db *Database, query string, args ...interface{}) int {
	t.Helper()
	var count int
	require.NoError(t, db.db.QueryRow(query, args...).Scan(&count))
	return count
}

func TestEnsureGlobalRoomIdempotent(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.EnsureGlobalRoom())
	require.NoError(t, db.EnsureGlobalRoom())

	room, err := db.GetRoomByName("global")
	require.NoError(t, err)
	assert.False(t, room.Private)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM rooms WHERE name = 'global'"))
}

func TestCreateUserHashesPassword(t *testing.T) {
	db := newTestDB(t)

	user := createTestUser(t, db, "alice")
	assert.NotEqual(t, "password123", user.PasswordHash)
	assert.Equal(t, "Just joined the chat!", user.Status)

	authed, err := db.AuthenticateUser("alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, user.ID, authed.ID)

	_, err = db.AuthenticateUser("alice", "wrong")
	assert.Error(t, err)
}

func TestSaveMessageNullFields(t *testing.T) {
	db := newTestDB(t)

	tests := []struct {
		name           string
		text           string
		attachment     string
		wantText       bool
		wantAttachment bool
	}{
		{name: "text only", text: "hi", wantText: true},
		{name: "attachment only", attachment: "/uploads/a.png", wantAttachment: true},
		{name: "both", text: "look", attachment: "/uploads/b.png", wantText: true, wantAttachment: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := db.SaveMessage("global", "alice", tt.text, tt.attachment)
			require.NoError(t, err)

			if tt.wantText {
				require.NotNil(t, msg.Text)
				assert.Equal(t, tt.text, *msg.Text)
			} else {
				assert.Nil(t, msg.Text)
			}
			if tt.wantAttachment {
				require.NotNil(t, msg.Attachment)
				assert.Equal(t, tt.attachment, *msg.Attachment)
			} else {
				assert.Nil(t, msg.Attachment)
			}
			assert.False(t, msg.Read)
		})
	}
}

func TestSerializeTimestamp(t *testing.T) {
	msg := &Message{
		ID:        1,
		Room:      "global",
		Sender:    "alice",
		Timestamp: time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC),
	}

	payload := msg.Serialize()
	require.True(t, len(payload.Timestamp) > 0)
	assert.Equal(t, "Z", payload.Timestamp[len(payload.Timestamp)-1:])

	parsed, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(msg.Timestamp))
}

func TestGetRoomHistoryLimitAndOrder(t *testing.T) {
	db := newTestDB(t)

	ids := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		msg, err := db.SaveMessage("global", "bob", "message "+strconv.Itoa(i), "")
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	history, err := db.GetRoomHistory("global", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// The two most recent, ascending by id
	assert.Equal(t, ids[3], history[0].ID)
	assert.Equal(t, ids[4], history[1].ID)
}

func TestGetRoomHistoryScopedToRoom(t *testing.T) {
	db := newTestDB(t)

	_, err := db.SaveMessage("global", "bob", "in global", "")
	require.NoError(t, err)
	_, err = db.SaveMessage("other", "bob", "in other", "")
	require.NoError(t, err)

	history, err := db.GetRoomHistory("global", 200)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "in global", *history[0].Text)
}

func TestMarkRead(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		_, err := db.SaveMessage("global", "bob", "hello", "")
		require.NoError(t, err)
	}
	mine, err := db.SaveMessage("global", "alice", "my own", "")
	require.NoError(t, err)

	count, err := db.MarkRead("global", "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Own messages stay untouched
	refreshed, err := db.GetMessageByID(mine.ID)
	require.NoError(t, err)
	assert.False(t, refreshed.Read)

	// Idempotent
	count, err = db.MarkRead("global", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeleteRoomKeepsMessages(t *testing.T) {
	db := newTestDB(t)

	owner := createTestUser(t, db, "owner")
	room, err := db.CreateRoom("den", false, owner.ID)
	require.NoError(t, err)

	_, err = db.SaveMessage("den", "owner", "still here", "")
	require.NoError(t, err)

	require.NoError(t, db.DeleteRoom(room.ID))

	_, err = db.GetRoomByName("den")
	assert.Error(t, err)
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM room_members WHERE room_id = ?", room.ID))

	// History is keyed by room name, not the rooms table
	history, err := db.GetRoomHistory("den", 200)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDeleteUserOrphansMessages(t *testing.T) {
	db := newTestDB(t)

	user := createTestUser(t, db, "ghost")
	_, err := db.SaveMessage("global", "ghost", "last words", "")
	require.NoError(t, err)

	require.NoError(t, db.DeleteUser(user.ID))

	history, err := db.GetRoomHistory("global", 200)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ghost", history[0].Sender)
}

func TestGetUsersWithStatusKeepsStaleStatuses(t *testing.T) {
	db := newTestDB(t)

	fresh := createTestUser(t, db, "fresh")
	stale := createTestUser(t, db, "stale")

	// Push one user's status timestamp far past the lookback window
	_, err := db.db.Exec(
		"UPDATE users SET status_timestamp = ? WHERE id = ?",
		time.Now().UTC().Add(-30*24*time.Hour), stale.ID,
	)
	require.NoError(t, err)

	users, err := db.GetUsersWithStatus(time.Now().UTC().Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	require.Len(t, users, 2)

	// Newest first, and the old timestamp does not hide a set status
	assert.Equal(t, fresh.ID, users[0].ID)
	assert.Equal(t, stale.ID, users[1].ID)
}

func TestCreateRoomAddsOwnerMembership(t *testing.T) {
	db := newTestDB(t)

	owner := createTestUser(t, db, "carol")
	room, err := db.CreateRoom("lounge", true, owner.ID)
	require.NoError(t, err)

	member, err := db.IsRoomMember(room.ID, owner.ID)
	require.NoError(t, err)
	assert.True(t, member)
}
