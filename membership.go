package main

import (
	"database/sql"
	"errors"
)

type Access int

const (
	AccessGranted Access = iota
	AccessDenied
	RoomNotFound
)

// Authority decides whether a user may join or post in a room. RoomNotFound is
// reported as its own outcome; callers choose how to treat unknown rooms.
type Authority struct {
	db *Database
}

func NewAuthority(db *Database) *Authority {
	return &Authority{db: db}
}

// CanAccess grants public rooms unconditionally, recording membership as a
// side effect, and grants private rooms only to existing members. The public
// auto-grant is idempotent under concurrency (unique constraint on the pair).
func (a *Authority) CanAccess(userID int, roomName string) (Access, error) {
	room, err := a.db.GetRoomByName(roomName)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomNotFound, nil
	}
	if err != nil {
		return AccessDenied, err
	}

	if room.Private {
		member, err := a.db.IsRoomMember(room.ID, userID)
		if err != nil {
			return AccessDenied, err
		}
		if !member {
			return AccessDenied, nil
		}
		return AccessGranted, nil
	}

	if err := a.db.EnsureMembership(room.ID, userID); err != nil {
		return AccessDenied, err
	}
	return AccessGranted, nil
}
