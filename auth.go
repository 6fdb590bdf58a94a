package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type AuthManager struct {
	secret []byte
}

// Session is the authenticated identity attached to a request or connection.
type Session struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

func NewAuthManager(secret string) *AuthManager {
	return &AuthManager{secret: []byte(secret)}
}

func (am *AuthManager) CreateToken(user *User) (string, error) {
	claims := jwt.MapClaims{
		"sub":      strconv.Itoa(user.ID),
		"username": user.Username,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(am.secret)
}

func (am *AuthManager) ValidateToken(tokenString string) (*Session, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return am.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	sub, _ := claims["sub"].(string)
	userID, err := strconv.Atoi(sub)
	if err != nil {
		return nil, fmt.Errorf("invalid subject claim")
	}

	username, _ := claims["username"].(string)
	if username == "" {
		return nil, fmt.Errorf("missing username claim")
	}

	return &Session{UserID: userID, Username: username}, nil
}

// ExtractToken reads the Bearer header, falling back to the token query
// parameter used by the WebSocket handshake.
func (am *AuthManager) ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (am *AuthManager) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := am.ExtractToken(r)
		if token == "" {
			respondError(w, "Missing authorization token", http.StatusUnauthorized)
			return
		}

		session, err := am.ValidateToken(token)
		if err != nil {
			respondError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(contextWithSession(r.Context(), session))
		next(w, r)
	}
}

// Context helpers
type contextKey string

const sessionKey contextKey = "session"

func contextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

func sessionFromContext(ctx context.Context) *Session {
	if session, ok := ctx.Value(sessionKey).(*Session); ok {
		return session
	}
	return nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
