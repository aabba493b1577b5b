package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"roomchat/domain"
	"roomchat/protocol"
)

const (
	maxRoomNameLength   = 50
	maxAPIKeyNameLength = 50
)

// normalizeRoomName trims the name, collapses inner whitespace and caps it at
// maxRoomNameLength runes. An empty result means the name is unusable.
func normalizeRoomName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if utf8.RuneCountInString(name) > maxRoomNameLength {
		name = string([]rune(name)[:maxRoomNameLength])
		name = strings.TrimSpace(name)
	}
	return name
}

type Server struct {
	db        *Database
	auth      *AuthManager
	engine    *protocol.Engine
	wsManager *WSManager
	resets    *ResetTokens
	mailer    Mailer
	cfg       *Config
	startedAt time.Time
}

func NewServer(db *Database, engine *protocol.Engine, cfg *Config) *Server {
	auth := NewAuthManager(db)

	return &Server{
		db:        db,
		auth:      auth,
		engine:    engine,
		wsManager: NewWSManager(engine, cfg),
		resets:    NewResetTokens(cfg.SecretKey, resetTokenTTL),
		mailer:    logMailer{logger: slog.Default()},
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

func (s *Server) RegisterRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Auth endpoints
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.auth.RequireAuth(s.handleLogout))
	mux.HandleFunc("POST /api/password/forgot", s.handleForgotPassword)
	mux.HandleFunc("POST /api/password/reset", s.handleResetPassword)

	// Room management
	mux.HandleFunc("GET /api/rooms", s.auth.RequireAuth(s.handleListRooms))
	mux.HandleFunc("POST /api/rooms", s.auth.RequireAuth(s.handleCreateRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.auth.RequireAuth(s.handleDeleteRoom))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.auth.RequireAuth(s.handleMessages))
	mux.HandleFunc("GET /api/rooms/{id}/members", s.auth.RequireAuth(s.handleMembers))

	// API keys
	mux.HandleFunc("GET /api/keys", s.auth.RequireAuth(s.handleListAPIKeys))
	mux.HandleFunc("POST /api/keys", s.auth.RequireAuth(s.handleCreateAPIKey))
	mux.HandleFunc("DELETE /api/keys/{id}", s.auth.RequireAuth(s.handleDeleteAPIKey))
	mux.HandleFunc("GET /api/test", s.auth.RequireAPIKey(s.handleTestAPIKey))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		respondError(w, "Username, email and password required", http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		respondError(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	user, err := s.db.CreateUser(req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			respondError(w, "Username or email already exists", http.StatusConflict)
			return
		}
		slog.Error("failed to create user", "username", req.Username, "error", err)
		respondError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	session, err := s.auth.CreateSession(user)
	if err != nil {
		respondError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	respondStatus(w, http.StatusCreated, map[string]interface{}{
		"user":  user,
		"token": session.Token,
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

	user, err := s.db.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		respondError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	session, err := s.auth.CreateSession(user)
	if err != nil {
		respondError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"user":  user,
		"token": session.Token,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.auth.ExtractToken(r)
	s.auth.DeleteSession(token)

	respondJSON(w, map[string]string{"status": "logged out"})
}

// handleForgotPassword answers the same way whether or not the email is
// registered.
func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		respondError(w, "Email required", http.StatusBadRequest)
		return
	}

	user, err := s.db.GetUserByEmail(email)
	switch {
	case errors.Is(err, ErrNotFound):
		slog.Debug("password reset for unknown email", "email", email)
	case err != nil:
		slog.Error("failed to look up user for password reset", "error", err)
		respondError(w, "Failed to process request", http.StatusInternalServerError)
		return
	default:
		token, err := s.resets.Issue(user.Email)
		if err != nil {
			slog.Error("failed to issue reset token", "username", user.Username, "error", err)
			respondError(w, "Failed to process request", http.StatusInternalServerError)
			return
		}
		link := s.cfg.PublicURL + "/reset-password?token=" + url.QueryEscape(token)
		if err := s.mailer.SendPasswordReset(r.Context(), user.Email, link); err != nil {
			slog.Error("failed to send reset email", "username", user.Username, "error", err)
		}
	}

	respondJSON(w, map[string]string{
		"status": "If that email is registered, a reset link has been sent",
	})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Token == "" || req.Password == "" {
		respondError(w, "Token and password required", http.StatusBadRequest)
		return
	}

	email, err := s.resets.Verify(req.Token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			respondError(w, "Reset link has expired", http.StatusBadRequest)
			return
		}
		respondError(w, "Invalid reset link", http.StatusBadRequest)
		return
	}

	user, err := s.db.GetUserByEmail(email)
	if err != nil {
		respondError(w, "Invalid reset link", http.StatusBadRequest)
		return
	}

	if err := s.db.UpdatePassword(user.ID, req.Password); err != nil {
		slog.Error("failed to update password", "username", user.Username, "error", err)
		respondError(w, "Failed to update password", http.StatusInternalServerError)
		return
	}
	s.auth.DeleteUserSessions(user.ID)

	respondJSON(w, map[string]string{"status": "password updated"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.db.ListRooms()
	if err != nil {
		respondError(w, "Failed to fetch rooms", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"rooms": rooms,
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if session == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Name string `json:"name"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	name := normalizeRoomName(req.Name)
	if name == "" {
		respondError(w, "Room name required", http.StatusBadRequest)
		return
	}

	room, err := s.db.CreateRoom(name, session.UserID)
	if err != nil {
		slog.Error("failed to create room", "username", session.Username, "error", err)
		respondError(w, "Failed to create room", http.StatusInternalServerError)
		return
	}

	slog.Info("room created", "room", room.ID, "name", room.Name, "username", session.Username)
	respondStatus(w, http.StatusCreated, map[string]interface{}{
		"room": room,
	})
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if session == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		respondError(w, "Invalid room ID", http.StatusBadRequest)
		return
	}

	if err := s.db.DeleteRoom(roomID, session.UserID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respondError(w, "Room not found", http.StatusNotFound)
		case errors.Is(err, ErrForbidden):
			respondError(w, "Only the room creator can delete it", http.StatusForbidden)
		default:
			slog.Error("failed to delete room", "room", roomID, "error", err)
			respondError(w, "Failed to delete room", http.StatusInternalServerError)
		}
		return
	}

	s.engine.CloseRoom(r.Context(), roomID)

	respondJSON(w, map[string]string{"status": "room deleted"})
}

func (s *Server) roomFromPath(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	roomID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		respondError(w, "Invalid room ID", http.StatusBadRequest)
		return nil, false
	}

	room, err := s.db.GetRoomByID(roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(w, "Room not found", http.StatusNotFound)
			return nil, false
		}
		respondError(w, "Failed to fetch room", http.StatusInternalServerError)
		return nil, false
	}
	return room, true
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= maxHistoryLimit {
			limit = parsedLimit
		}
	}

	messages, err := s.db.GetRoomMessages(room.ID, limit)
	if err != nil {
		respondError(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	views := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, newMessageView(m))
	}

	respondJSON(w, map[string]interface{}{
		"room":     room,
		"messages": views,
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}

	resp := map[string]interface{}{
		"room_id": room.ID,
		"users":   s.engine.Members(room.ID),
	}
	if live, ok := s.engine.Room(room.ID); ok {
		resp["active_since"] = live.CreatedAt.UTC().Format(domain.TimeLayout)
	}
	respondJSON(w, resp)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if session == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	keys, err := s.db.ListAPIKeys(session.UserID)
	if err != nil {
		respondError(w, "Failed to fetch API keys", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"api_keys": keys,
	})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if session == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Name string `json:"name"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > maxAPIKeyNameLength {
		respondError(w, fmt.Sprintf("Key name must be 1 to %d characters", maxAPIKeyNameLength), http.StatusBadRequest)
		return
	}

	key, err := s.db.CreateAPIKey(session.UserID, name)
	if err != nil {
		slog.Error("failed to create api key", "username", session.Username, "error", err)
		respondError(w, "Failed to create API key", http.StatusInternalServerError)
		return
	}

	respondStatus(w, http.StatusCreated, map[string]interface{}{
		"api_key": key,
	})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	if session == nil {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	keyID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		respondError(w, "Invalid key ID", http.StatusBadRequest)
		return
	}

	if err := s.db.DeleteAPIKey(keyID, session.UserID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
			respondError(w, "API key not found", http.StatusNotFound)
		default:
			respondError(w, "Failed to delete API key", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, map[string]string{"status": "api key deleted"})
}

func (s *Server) handleTestAPIKey(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	if user == nil {
		respondError(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	respondJSON(w, map[string]string{
		"message": fmt.Sprintf("Hello %s! Your API key is valid.", user.Username),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rooms, members := s.engine.Stats()
	respondJSON(w, map[string]interface{}{
		"active_rooms":   rooms,
		"active_members": members,
		"connections":    s.wsManager.ClientCount(),
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.auth.ResolvePrincipal(r)
	if !ok {
		respondError(w, "Missing or invalid token", http.StatusUnauthorized)
		return
	}

	s.wsManager.HandleConnection(w, r, principal)
}
