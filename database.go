package main

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type Database struct {
	db *sql.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (d *Database) CreateTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username VARCHAR(80) UNIQUE NOT NULL,
		password_hash VARCHAR(200) NOT NULL,
		status VARCHAR(140),
		status_timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(120) UNIQUE NOT NULL,
		private BOOLEAN NOT NULL DEFAULT 0,
		owner_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS room_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		UNIQUE(room_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room VARCHAR(120) NOT NULL,
		sender VARCHAR(80) NOT NULL,
		text TEXT,
		attachment VARCHAR(300),
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		read BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room);
	CREATE INDEX IF NOT EXISTS idx_room_members_room ON room_members(room_id);
	CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// EnsureGlobalRoom seeds the default public room so at least one public room
// always exists.
func (d *Database) EnsureGlobalRoom() error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (name, private) VALUES ('global', 0)",
	)
	return err
}

// Users

func (d *Database) CreateUser(username, password string) (*User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	result, err := d.db.Exec(
		"INSERT INTO users (username, password_hash, status, status_timestamp) VALUES (?, ?, ?, ?)",
		username, string(hashedPassword), "Just joined the chat!", time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetUserByID(int(id))
}

func (d *Database) AuthenticateUser(username, password string) (*User, error) {
	user, err := d.GetUserByUsername(username)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, err
	}

	return user, nil
}

func (d *Database) GetUserByID(userID int) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT id, username, password_hash, COALESCE(status, ''), status_timestamp FROM users WHERE id = ?",
		userID,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Status, &user.StatusTimestamp)

	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) GetUserByUsername(username string) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT id, username, password_hash, COALESCE(status, ''), status_timestamp FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Status, &user.StatusTimestamp)

	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) UpdateUserStatus(userID int, status string) error {
	_, err := d.db.Exec(
		"UPDATE users SET status = ?, status_timestamp = ? WHERE id = ?",
		status, time.Now().UTC(), userID,
	)
	return err
}

// GetUsersWithStatus returns users who have a status set or touched theirs
// since the cutoff, newest first. A stale timestamp does not hide a user who
// still has a status.
func (d *Database) GetUsersWithStatus(since time.Time) ([]User, error) {
	rows, err := d.db.Query(`
		SELECT id, username, password_hash, COALESCE(status, ''), status_timestamp
		FROM users
		WHERE status IS NOT NULL OR status_timestamp >= ?
		ORDER BY status_timestamp DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Status, &user.StatusTimestamp)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// DeleteUser removes the user and their memberships. Messages keep the sender
// username as a plain string, so history is orphaned, not deleted.
func (d *Database) DeleteUser(userID int) error {
	if _, err := d.db.Exec("DELETE FROM room_members WHERE user_id = ?", userID); err != nil {
		return err
	}
	_, err := d.db.Exec("DELETE FROM users WHERE id = ?", userID)
	return err
}

// Rooms

func (d *Database) CreateRoom(name string, private bool, ownerID int) (*Room, error) {
	result, err := d.db.Exec(
		"INSERT INTO rooms (name, private, owner_id) VALUES (?, ?, ?)",
		name, private, ownerID,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	// Creator becomes a member
	if _, err := d.db.Exec(
		"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)",
		id, ownerID,
	); err != nil {
		return nil, err
	}

	return d.GetRoomByID(int(id))
}

func (d *Database) GetRoomByID(roomID int) (*Room, error) {
	room := &Room{}
	err := d.db.QueryRow(
		"SELECT id, name, private, owner_id FROM rooms WHERE id = ?",
		roomID,
	).Scan(&room.ID, &room.Name, &room.Private, &room.OwnerID)

	if err != nil {
		return nil, err
	}
	return room, nil
}

func (d *Database) GetRoomByName(name string) (*Room, error) {
	room := &Room{}
	err := d.db.QueryRow(
		"SELECT id, name, private, owner_id FROM rooms WHERE name = ?",
		name,
	).Scan(&room.ID, &room.Name, &room.Private, &room.OwnerID)

	if err != nil {
		return nil, err
	}
	return room, nil
}

func (d *Database) GetRooms() ([]Room, error) {
	rows, err := d.db.Query("SELECT id, name, private, owner_id FROM rooms ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Private, &room.OwnerID); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// DeleteRoom cascades membership rows. Message history is keyed by room name
// and survives.
func (d *Database) DeleteRoom(roomID int) error {
	if _, err := d.db.Exec("DELETE FROM room_members WHERE room_id = ?", roomID); err != nil {
		return err
	}
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", roomID)
	return err
}

// Memberships

// EnsureMembership is idempotent: the UNIQUE(room_id, user_id) constraint
// guarantees at most one row per pair even under concurrent calls.
func (d *Database) EnsureMembership(roomID, userID int) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)",
		roomID, userID,
	)
	return err
}

func (d *Database) IsRoomMember(roomID, userID int) (bool, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	).Scan(&count)
	return count > 0, err
}

// Messages

func (d *Database) SaveMessage(room, sender, text, attachment string) (*Message, error) {
	var textVal, attachmentVal interface{}
	if text != "" {
		textVal = text
	}
	if attachment != "" {
		attachmentVal = attachment
	}

	result, err := d.db.Exec(
		"INSERT INTO messages (room, sender, text, attachment, timestamp, read) VALUES (?, ?, ?, ?, ?, 0)",
		room, sender, textVal, attachmentVal, time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetMessageByID(int(id))
}

func (d *Database) GetMessageByID(messageID int) (*Message, error) {
	message := &Message{}
	err := d.db.QueryRow(
		"SELECT id, room, sender, text, attachment, timestamp, read FROM messages WHERE id = ?",
		messageID,
	).Scan(&message.ID, &message.Room, &message.Sender, &message.Text, &message.Attachment, &message.Timestamp, &message.Read)

	if err != nil {
		return nil, err
	}
	return message, nil
}

// GetRoomHistory returns the most recent limit messages for the room, oldest
// first. The query runs descending by id and the result is reversed.
func (d *Database) GetRoomHistory(room string, limit int) ([]Message, error) {
	rows, err := d.db.Query(
		"SELECT id, room, sender, text, attachment, timestamp, read FROM messages WHERE room = ? ORDER BY id DESC LIMIT ?",
		room, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var message Message
		err := rows.Scan(&message.ID, &message.Room, &message.Sender, &message.Text, &message.Attachment, &message.Timestamp, &message.Read)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (d *Database) DeleteMessage(messageID int) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE id = ?", messageID)
	return err
}

// MarkRead flips read on every message in the room not sent by reader and
// returns how many rows changed. A second call with nothing left returns 0.
func (d *Database) MarkRead(room, reader string) (int, error) {
	result, err := d.db.Exec(
		"UPDATE messages SET read = 1 WHERE room = ? AND sender <> ? AND read = 0",
		room, reader,
	)
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (d *Database) Close() error {
	return d.db.Close()
}
