package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxUploadSize = 8 << 20 // 8MB

var allowedExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
	"mp3": true, "ogg": true, "wav": true, "m4a": true, "webm": true,
}

type Server struct {
	db         *Database
	auth       *AuthManager
	authority  *Authority
	wsManager  *WSManager
	uploadsDir string
}

func NewServer(db *Database, auth *AuthManager, uploadsDir string) *Server {
	authority := NewAuthority(db)
	wsManager := NewWSManager(db, authority)

	return &Server{
		db:         db,
		auth:       auth,
		authority:  authority,
		wsManager:  wsManager,
		uploadsDir: uploadsDir,
	}
}

func (s *Server) RegisterRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Get("/uploads/{filename}", s.handleServeUpload)

	// Authenticated
	r.Post("/logout", s.auth.RequireAuth(s.handleLogout))
	r.Get("/history", s.auth.RequireAuth(s.handleHistory))
	r.Post("/mark_read", s.auth.RequireAuth(s.handleMarkRead))
	r.Post("/upload", s.auth.RequireAuth(s.handleUpload))
	r.Post("/delete_message/{id}", s.auth.RequireAuth(s.handleDeleteMessage))
	r.Post("/join_room", s.auth.RequireAuth(s.handleJoinRoom))
	r.Post("/create_room", s.auth.RequireAuth(s.handleCreateRoom))
	r.Post("/set_status", s.auth.RequireAuth(s.handleSetStatus))
	r.Get("/rooms", s.auth.RequireAuth(s.handleRooms))
	r.Get("/users", s.auth.RequireAuth(s.handleUsers))
	r.Post("/delete_room/{id}", s.auth.RequireAuth(s.handleDeleteRoom))
	r.Post("/delete_user/{id}", s.auth.RequireAuth(s.handleDeleteUser))

	// WebSocket
	r.Get("/ws", s.auth.RequireAuth(s.handleWebSocket))

	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondError(w, "Username and password required", http.StatusBadRequest)
		return
	}

	user, err := s.db.CreateUser(req.Username, req.Password)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			respondError(w, "Username already taken", http.StatusConflict)
			return
		}
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	token, err := s.auth.CreateToken(user)
	if err != nil {
		respondError(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, err := s.db.AuthenticateUser(strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		respondError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.auth.CreateToken(user)
	if err != nil {
		respondError(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	// Tokens are stateless; the client discards its copy
	respondJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = defaultRoom
	}

	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	messages, err := s.db.GetRoomHistory(room, limit)
	if err != nil {
		respondError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}

	payload := make([]MessagePayload, 0, len(messages))
	for i := range messages {
		payload = append(payload, messages[i].Serialize())
	}
	respondJSON(w, payload)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	var req struct {
		Room string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Room == "" {
		respondError(w, "room required", http.StatusBadRequest)
		return
	}

	count, err := s.db.MarkRead(req.Room, session.Username)
	if err != nil {
		respondError(w, "Failed to mark messages read", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{"ok": true, "count": count})
}

func allowedFilename(name string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	return allowedExtensions[strings.ToLower(name[i+1:])]
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, "file too large or invalid form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, "no file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Filename == "" {
		respondError(w, "empty filename", http.StatusBadRequest)
		return
	}
	if !allowedFilename(header.Filename) {
		respondError(w, "invalid file type", http.StatusBadRequest)
		return
	}

	filename := uuid.NewString() + "_" + sanitizeFilename(header.Filename)
	path := filepath.Join(s.uploadsDir, filename)

	dst, err := os.Create(path)
	if err != nil {
		respondError(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		respondError(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]string{"url": "/uploads/" + filename})
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	http.ServeFile(w, r, filepath.Join(s.uploadsDir, filename))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, "Invalid message id", http.StatusBadRequest)
		return
	}

	message, err := s.db.GetMessageByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, "Message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		respondInternal(w, err)
		return
	}

	if err := s.db.DeleteMessage(id); err != nil {
		respondInternal(w, err)
		return
	}

	// Scoped to the room the message belonged to
	s.wsManager.BroadcastToRoom(message.Room, "delete_message", map[string]int{"id": id}, nil)

	respondJSON(w, map[string]bool{"success": true})
}

func respondInternal(w http.ResponseWriter, err error) {
	slog.Error("internal error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Internal server error",
		"details": err.Error(),
	})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	var req struct {
		Room string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	room := strings.TrimSpace(req.Room)
	if room == "" {
		respondError(w, "room required", http.StatusBadRequest)
		return
	}

	access, err := s.authority.CanAccess(session.UserID, room)
	if err != nil {
		respondError(w, "Failed to check access", http.StatusInternalServerError)
		return
	}

	switch access {
	case RoomNotFound:
		respondError(w, "Room not found", http.StatusNotFound)
	case AccessDenied:
		respondError(w, "Private room: you must be invited or the owner must add you", http.StatusForbidden)
	default:
		respondJSON(w, map[string]string{"message": "Joined " + room})
	}
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	var req struct {
		RoomName string `json:"room_name"`
		Private  bool   `json:"private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(req.RoomName)
	if name == "" {
		respondError(w, "Room name required", http.StatusBadRequest)
		return
	}

	room, err := s.db.CreateRoom(name, req.Private, session.UserID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			respondError(w, "Room already exists", http.StatusConflict)
			return
		}
		respondError(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	respondJSON(w, room)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	status := strings.TrimSpace(req.Status)
	if len(status) > 140 {
		respondError(w, "Status must be less than 140 characters", http.StatusBadRequest)
		return
	}

	if err := s.db.UpdateUserStatus(session.UserID, status); err != nil {
		respondError(w, "Failed to update status", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.db.GetRooms()
	if err != nil {
		respondError(w, "Failed to load rooms", http.StatusInternalServerError)
		return
	}
	respondJSON(w, rooms)
}

// handleUsers lists everyone with a status set in the last week, newest
// first, excluding the requester.
func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	users, err := s.db.GetUsersWithStatus(time.Now().UTC().Add(-7 * 24 * time.Hour))
	if err != nil {
		respondError(w, "Failed to load users", http.StatusInternalServerError)
		return
	}

	filtered := make([]User, 0, len(users))
	for _, user := range users {
		if user.ID != session.UserID {
			filtered = append(filtered, user)
		}
	}
	respondJSON(w, filtered)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, "Invalid room id", http.StatusBadRequest)
		return
	}

	if _, err := s.db.GetRoomByID(id); errors.Is(err, sql.ErrNoRows) {
		respondError(w, "Room not found", http.StatusNotFound)
		return
	} else if err != nil {
		respondInternal(w, err)
		return
	}

	if err := s.db.DeleteRoom(id); err != nil {
		respondInternal(w, err)
		return
	}
	respondJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	if _, err := s.db.GetUserByID(id); errors.Is(err, sql.ErrNoRows) {
		respondError(w, "User not found", http.StatusNotFound)
		return
	} else if err != nil {
		respondInternal(w, err)
		return
	}

	if err := s.db.DeleteUser(id); err != nil {
		respondInternal(w, err)
		return
	}
	respondJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if session == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	s.wsManager.HandleConnection(w, r, session)
}
