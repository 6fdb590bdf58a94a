package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAccessPrivateRoomDenied(t *testing.T) {
	db := newTestDB(t)
	authority := NewAuthority(db)

	owner := createTestUser(t, db, "owner")
	outsider := createTestUser(t, db, "outsider")
	room, err := db.CreateRoom("secret", true, owner.ID)
	require.NoError(t, err)

	access, err := authority.CanAccess(outsider.ID, "secret")
	require.NoError(t, err)
	assert.Equal(t, AccessDenied, access)

	// Denial must not create a membership row
	assert.Equal(t, 0, countRows(t, db,
		"SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?",
		room.ID, outsider.ID))
}

func TestCanAccessPrivateRoomMember(t *testing.T) {
	db := newTestDB(t)
	authority := NewAuthority(db)

	owner := createTestUser(t, db, "owner")
	invited := createTestUser(t, db, "invited")
	room, err := db.CreateRoom("secret", true, owner.ID)
	require.NoError(t, err)
	require.NoError(t, db.EnsureMembership(room.ID, invited.ID))

	access, err := authority.CanAccess(invited.ID, "secret")
	require.NoError(t, err)
	assert.Equal(t, AccessGranted, access)
}

func TestCanAccessRoomNotFoundIsDistinct(t *testing.T) {
	db := newTestDB(t)
	authority := NewAuthority(db)

	user := createTestUser(t, db, "alice")

	access, err := authority.CanAccess(user.ID, "no-such-room")
	require.NoError(t, err)
	assert.Equal(t, RoomNotFound, access)
	assert.NotEqual(t, AccessDenied, access)
}

func TestCanAccessPublicRoomAutoGrant(t *testing.T) {
	db := newTestDB(t)
	authority := NewAuthority(db)

	user := createTestUser(t, db, "alice")
	room, err := db.GetRoomByName("global")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		access, err := authority.CanAccess(user.ID, "global")
		require.NoError(t, err)
		assert.Equal(t, AccessGranted, access)
	}

	assert.Equal(t, 1, countRows(t, db,
		"SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?",
		room.ID, user.ID))
}

func TestCanAccessPublicRoomAutoGrantConcurrent(t *testing.T) {
	db := newTestDB(t)
	authority := NewAuthority(db)

	user := createTestUser(t, db, "alice")
	room, err := db.GetRoomByName("global")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			access, err := authority.CanAccess(user.ID, "global")
			assert.NoError(t, err)
			assert.Equal(t, AccessGranted, access)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, countRows(t, db,
		"SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?",
		room.ID, user.ID))
}
