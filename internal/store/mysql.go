// Package store is the persistent credential store backing
// registration and login. User records live in a MySQL table keyed by
// the lowercased nickname; the raw nickname is kept for display.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/litechat/litechat/internal/config"
)

// ErrUsernameTaken is returned by RegisterUser when the lowercased
// username already exists.
var ErrUsernameTaken = errors.New("username taken")

// mysqlDuplicateEntry is the server error number for a unique-key
// violation.
const mysqlDuplicateEntry = 1062

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id             BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    username       VARCHAR(64)  NOT NULL,
    username_lower VARCHAR(64)  NOT NULL,
    password_hash  VARCHAR(255) NOT NULL,
    is_admin       BOOLEAN      NOT NULL DEFAULT FALSE,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_username_lower (username_lower)
)`

// User is one credential record. Records are immutable after
// creation; the admin flag is provisioned out of band.
type User struct {
	Username      string
	UsernameLower string
	PasswordHash  string
	IsAdmin       bool
}

// Store wraps the MySQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to MySQL using the .env-derived settings, verifies
// the connection, and creates the users table if it does not exist.
func Open(env config.DBEnv) (*Store, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = env.Addr()
	cfg.User = env.User
	cfg.Passwd = env.Password
	cfg.DBName = env.Name
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to mysql at %s: %w", env.Addr(), err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring users table: %w", err)
	}

	slog.Info("connected to credential store", "addr", env.Addr(), "db", env.Name)
	return &Store{db: db}, nil
}

// RegisterUser inserts a new credential record. A duplicate
// lowercased username maps to ErrUsernameTaken.
func (s *Store) RegisterUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, username_lower, password_hash, is_admin) VALUES (?, ?, ?, ?)",
		u.Username, u.UsernameLower, u.PasswordHash, u.IsAdmin)
	if err != nil {
		if isDuplicateEntry(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	slog.Info("new user registered", "user", u.Username)
	return nil
}

// GetUser fetches the record for a lowercased username. A missing
// user returns (nil, nil); the caller must not distinguish it from a
// wrong password in its reply.
func (s *Store) GetUser(ctx context.Context, usernameLower string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT username, username_lower, password_hash, is_admin FROM users WHERE username_lower = ?",
		usernameLower)

	var u User
	if err := row.Scan(&u.Username, &u.UsernameLower, &u.PasswordHash, &u.IsAdmin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// Ping verifies the connection for the health checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close disconnects from the database.
func (s *Store) Close() error {
	slog.Info("disconnecting from credential store")
	return s.db.Close()
}

func isDuplicateEntry(err error) bool {
	var merr *mysql.MySQLError
	return errors.As(err, &merr) && merr.Number == mysqlDuplicateEntry
}
