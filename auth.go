package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roomchat/domain"
)

const (
	sessionTTL    = 24 * time.Hour
	resetTokenTTL = time.Hour
	resetPurpose  = "password_reset"
	apiKeyHeader  = "X-API-Key"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionExpired = errors.New("session expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
)

type AuthManager struct {
	db       *Database
	sessions map[string]*Session
	mutex    sync.RWMutex
	now      func() time.Time
}

var _ domain.IdentityResolver = (*AuthManager)(nil)

type Session struct {
	Token     string    `json:"token"`
	UserID    int       `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewAuthManager(db *Database) *AuthManager {
	return &AuthManager{
		db:       db,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (am *AuthManager) generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func (am *AuthManager) CreateSession(user *User) (*Session, error) {
	token, err := am.generateToken()
	if err != nil {
		return nil, err
	}

	now := am.now()
	session := &Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	}

	am.mutex.Lock()
	am.sessions[token] = session
	am.mutex.Unlock()

	return session, nil
}

func (am *AuthManager) ValidateSession(token string) (*Session, error) {
	am.mutex.RLock()
	session, exists := am.sessions[token]
	am.mutex.RUnlock()

	if !exists {
		return nil, ErrInvalidSession
	}

	if am.now().After(session.ExpiresAt) {
		am.mutex.Lock()
		delete(am.sessions, token)
		am.mutex.Unlock()
		return nil, ErrSessionExpired
	}

	return session, nil
}

func (am *AuthManager) DeleteSession(token string) {
	am.mutex.Lock()
	delete(am.sessions, token)
	am.mutex.Unlock()
}

// DeleteUserSessions logs a user out everywhere, e.g. after a password reset.
func (am *AuthManager) DeleteUserSessions(userID int) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	for token, session := range am.sessions {
		if session.UserID == userID {
			delete(am.sessions, token)
		}
	}
}

func (am *AuthManager) ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browsers cannot set headers on a WebSocket handshake.
	return r.URL.Query().Get("token")
}

// ResolvePrincipal identifies the user behind a request from its session token.
func (am *AuthManager) ResolvePrincipal(r *http.Request) (*domain.Principal, bool) {
	token := am.ExtractToken(r)
	if token == "" {
		return nil, false
	}
	session, err := am.ValidateSession(token)
	if err != nil {
		return nil, false
	}
	return &domain.Principal{ID: session.UserID, Username: session.Username}, true
}

func (am *AuthManager) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := am.ExtractToken(r)
		if token == "" {
			respondError(w, "Missing authorization token", http.StatusUnauthorized)
			return
		}

		session, err := am.ValidateSession(token)
		if err != nil {
			respondError(w, "Invalid or expired session", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(contextWithSession(r.Context(), session))
		next(w, r)
	}
}

func (am *AuthManager) RequireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			respondError(w, "Missing API key", http.StatusUnauthorized)
			return
		}

		user, err := am.db.AuthenticateAPIKey(key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				slog.Error("failed to authenticate api key", "error", err)
			}
			respondError(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		r = r.WithContext(contextWithUser(r.Context(), user))
		next(w, r)
	}
}

// ResetTokens issues and verifies signed password reset links.
type ResetTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type resetClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

func NewResetTokens(secret string, ttl time.Duration) *ResetTokens {
	if ttl <= 0 {
		ttl = resetTokenTTL
	}
	return &ResetTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (rt *ResetTokens) Issue(email string) (string, error) {
	now := rt.now()
	claims := resetClaims{
		Purpose: resetPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(rt.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(rt.secret)
}

// Verify returns the email a reset token was issued for.
func (rt *ResetTokens) Verify(token string) (string, error) {
	claims := &resetClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return rt.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(rt.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Purpose != resetPurpose || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

type Mailer interface {
	SendPasswordReset(ctx context.Context, email, link string) error
}

// logMailer writes reset links to the log instead of sending mail.
type logMailer struct {
	logger *slog.Logger
}

func (m logMailer) SendPasswordReset(ctx context.Context, email, link string) error {
	m.logger.InfoContext(ctx, "password reset requested", "email", email, "link", link)
	return nil
}

type contextKey string

const (
	sessionKey contextKey = "session"
	userKey    contextKey = "user"
)

func contextWithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

func sessionFromContext(ctx context.Context) *Session {
	if session, ok := ctx.Value(sessionKey).(*Session); ok {
		return session
	}
	return nil
}

func contextWithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func userFromContext(ctx context.Context) *User {
	if user, ok := ctx.Value(userKey).(*User); ok {
		return user
	}
	return nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, code int) {
	respondStatus(w, code, map[string]string{"error": message})
}
