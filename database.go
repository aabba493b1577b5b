package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"roomchat/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrDuplicate = errors.New("already exists")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

type Database struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ domain.MessageStore  = (*Database)(nil)
	_ domain.RoomDirectory = (*Database)(nil)
)

func NewDatabase(dbPath string) (*Database, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, now: time.Now}, nil
}

func (d *Database) CreateTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username VARCHAR(80) UNIQUE NOT NULL,
		email VARCHAR(120) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(50) NOT NULL,
		creator_id INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (creator_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		content VARCHAR(500) NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key VARCHAR(64) UNIQUE NOT NULL,
		name VARCHAR(50) NOT NULL,
		user_id INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_used DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (d *Database) CreateUser(username, email, password string) (*User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	result, err := d.db.Exec(
		"INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)",
		username, email, string(hashedPassword),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
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

const userColumns = "id, username, email, password_hash, created_at"

func (d *Database) getUser(where string, arg any) (*User, error) {
	user := &User{}
	err := d.db.QueryRow(
		"SELECT "+userColumns+" FROM users WHERE "+where+" = ?",
		arg,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

func (d *Database) GetUserByID(userID int) (*User, error) {
	return d.getUser("id", userID)
}

func (d *Database) GetUserByUsername(username string) (*User, error) {
	return d.getUser("username", username)
}

func (d *Database) GetUserByEmail(email string) (*User, error) {
	return d.getUser("email", email)
}

func (d *Database) UpdatePassword(userID int, password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	result, err := d.db.Exec("UPDATE users SET password_hash = ? WHERE id = ?", string(hashedPassword), userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Database) CreateRoom(name string, creatorID int) (*Room, error) {
	result, err := d.db.Exec(
		"INSERT INTO rooms (name, creator_id) VALUES (?, ?)",
		name, creatorID,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return d.GetRoomByID(int(id))
}

func (d *Database) GetRoomByID(roomID int) (*Room, error) {
	room := &Room{}
	err := d.db.QueryRow(
		"SELECT id, name, creator_id, created_at FROM rooms WHERE id = ?",
		roomID,
	).Scan(&room.ID, &room.Name, &room.CreatorID, &room.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return room, nil
}

func (d *Database) ListRooms() ([]Room, error) {
	rows, err := d.db.Query("SELECT id, name, creator_id, created_at FROM rooms ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatorID, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// DeleteRoom removes a room and its messages. Only the creator may delete it.
func (d *Database) DeleteRoom(roomID, userID int) error {
	room, err := d.GetRoomByID(roomID)
	if err != nil {
		return err
	}
	if room.CreatorID != userID {
		return ErrForbidden
	}

	_, err = d.db.Exec("DELETE FROM rooms WHERE id = ?", roomID)
	return err
}

func (d *Database) RoomExists(ctx context.Context, roomID int) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE id = ?", roomID).Scan(&count)
	return count > 0, err
}

func (d *Database) PersistMessage(ctx context.Context, content string, userID, roomID int) (*domain.ChatMessage, error) {
	createdAt := d.now().UTC().Truncate(time.Second)
	result, err := d.db.ExecContext(ctx,
		"INSERT INTO messages (room_id, user_id, content, created_at) VALUES (?, ?, ?, ?)",
		roomID, userID, content, createdAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &domain.ChatMessage{
		ID:        int(id),
		Content:   content,
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: createdAt,
	}, nil
}

// GetRoomMessages returns the most recent messages of a room, oldest first.
func (d *Database) GetRoomMessages(roomID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := d.db.Query(`
		SELECT m.id, m.room_id, m.user_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON m.user_id = u.id
		WHERE m.room_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.ChatMessage, 0)
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func generateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

func (d *Database) CreateAPIKey(userID int, name string) (*APIKey, error) {
	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	result, err := d.db.Exec(
		"INSERT INTO api_keys (key, name, user_id) VALUES (?, ?, ?)",
		key, name, userID,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	apiKey, err := d.getAPIKey("id", id)
	if err != nil {
		return nil, err
	}
	return apiKey, nil
}

func (d *Database) getAPIKey(where string, arg any) (*APIKey, error) {
	var (
		apiKey   APIKey
		lastUsed sql.NullTime
	)
	err := d.db.QueryRow(
		"SELECT id, key, name, user_id, created_at, last_used FROM api_keys WHERE "+where+" = ?",
		arg,
	).Scan(&apiKey.ID, &apiKey.Key, &apiKey.Name, &apiKey.UserID, &apiKey.CreatedAt, &lastUsed)
	if err != nil {
		return nil, notFound(err)
	}
	if lastUsed.Valid {
		apiKey.LastUsed = &lastUsed.Time
	}
	return &apiKey, nil
}

// ListAPIKeys returns the user's keys without their secret values.
func (d *Database) ListAPIKeys(userID int) ([]APIKey, error) {
	rows, err := d.db.Query(
		"SELECT id, name, user_id, created_at, last_used FROM api_keys WHERE user_id = ? ORDER BY id ASC",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var (
			apiKey   APIKey
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&apiKey.ID, &apiKey.Name, &apiKey.UserID, &apiKey.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			apiKey.LastUsed = &lastUsed.Time
		}
		keys = append(keys, apiKey)
	}
	return keys, rows.Err()
}

func (d *Database) DeleteAPIKey(keyID, userID int) error {
	apiKey, err := d.getAPIKey("id", keyID)
	if err != nil {
		return err
	}
	if apiKey.UserID != userID {
		return ErrForbidden
	}

	_, err = d.db.Exec("DELETE FROM api_keys WHERE id = ?", keyID)
	return err
}

// AuthenticateAPIKey resolves the owner of key and records the use.
func (d *Database) AuthenticateAPIKey(key string) (*User, error) {
	apiKey, err := d.getAPIKey("key", key)
	if err != nil {
		return nil, err
	}

	if _, err := d.db.Exec("UPDATE api_keys SET last_used = ? WHERE id = ?", d.now().UTC(), apiKey.ID); err != nil {
		return nil, err
	}
	return d.GetUserByID(apiKey.UserID)
}

func (d *Database) Close() error {
	return d.db.Close()
}
