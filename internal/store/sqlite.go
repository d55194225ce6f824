package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT NOT NULL PRIMARY KEY,
	password TEXT NOT NULL,
	nickname TEXT NOT NULL,
	avatar   BLOB
);
CREATE TABLE IF NOT EXISTS files (
	name        TEXT NOT NULL,
	owner       TEXT NOT NULL,
	shared_link TEXT NOT NULL UNIQUE,
	content     BLOB,
	PRIMARY KEY (name, owner)
);
CREATE TABLE IF NOT EXISTS shares (
	username TEXT NOT NULL,
	name     TEXT NOT NULL,
	owner    TEXT NOT NULL,
	PRIMARY KEY (username, name, owner)
);`

// SQLite is the embedded SQL backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: sqlite serializes writers anyway, and ":memory:" is
	// per connection
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateFile(ctx context.Context, key FileKey) (string, error) {
	link := newSharedLink()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO files (name, owner, shared_link) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		key.Name, key.Owner, link)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrExists
	}
	return link, nil
}

func (s *SQLite) FileExists(ctx context.Context, key FileKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE name = ? AND owner = ?`, key.Name, key.Owner).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("file exists: %w", err)
	}
	return true, nil
}

func (s *SQLite) LoadFile(ctx context.Context, key FileKey) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM files WHERE name = ? AND owner = ?`, key.Name, key.Owner).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	return content, nil
}

func (s *SQLite) SaveFile(ctx context.Context, key FileKey, snapshot []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE files SET content = ? WHERE name = ? AND owner = ?`, snapshot, key.Name, key.Owner)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) SharedLink(ctx context.Context, key FileKey) (string, error) {
	var link string
	err := s.db.QueryRowContext(ctx, `SELECT shared_link FROM files WHERE name = ? AND owner = ?`, key.Name, key.Owner).Scan(&link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("shared link: %w", err)
	}
	return link, nil
}

func (s *SQLite) ResolveSharedLink(ctx context.Context, link, user string) (FileKey, error) {
	var key FileKey
	err := s.db.QueryRowContext(ctx, `SELECT name, owner FROM files WHERE shared_link = ?`, link).Scan(&key.Name, &key.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return FileKey{}, ErrNotFound
	}
	if err != nil {
		return FileKey{}, fmt.Errorf("resolve shared link: %w", err)
	}
	if user != key.Owner {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO shares (username, name, owner) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			user, key.Name, key.Owner); err != nil {
			return FileKey{}, fmt.Errorf("record share: %w", err)
		}
	}
	return key, nil
}

func (s *SQLite) ListFiles(ctx context.Context, user string, shared bool) ([]FileKey, error) {
	q := `SELECT name, owner FROM files WHERE owner = ? ORDER BY owner, name`
	if shared {
		q = `SELECT name, owner FROM shares WHERE username = ? ORDER BY owner, name`
	}
	rows, err := s.db.QueryContext(ctx, q, user)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()
	var out []FileKey
	for rows.Next() {
		var k FileKey
		if err := rows.Scan(&k.Name, &k.Owner); err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLite) Signup(ctx context.Context, username, password, nickname string) error {
	h, err := hashPassword(password)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password, nickname) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		username, h, defaultNickname(username, nickname))
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLite) credentials(ctx context.Context, username string) (hash, nickname string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT password, nickname FROM users WHERE username = ?`, username).Scan(&hash, &nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load account: %w", err)
	}
	return hash, nickname, nil
}

func (s *SQLite) Login(ctx context.Context, username, password string) (string, error) {
	hash, nickname, err := s.credentials(ctx, username)
	if err != nil {
		return "", err
	}
	if err := checkPassword(hash, password); err != nil {
		return "", err
	}
	return nickname, nil
}

func (s *SQLite) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, _, err := s.credentials(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) UpdateNickname(ctx context.Context, username, nickname string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET nickname = ? WHERE username = ?`, nickname, username)
	if err != nil {
		return fmt.Errorf("update nickname: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) UpdatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := s.CheckPassword(ctx, username, oldPassword); err != nil {
		return err
	}
	h, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET password = ? WHERE username = ?`, h, username); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *SQLite) CheckPassword(ctx context.Context, username, password string) error {
	hash, _, err := s.credentials(ctx, username)
	if err != nil {
		return err
	}
	return checkPassword(hash, password)
}

func (s *SQLite) Avatar(ctx context.Context, username string) ([]byte, error) {
	var img []byte
	err := s.db.QueryRowContext(ctx, `SELECT avatar FROM users WHERE username = ?`, username).Scan(&img)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("avatar: %w", err)
	}
	return img, nil
}

func (s *SQLite) SetAvatar(ctx context.Context, username string, image []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET avatar = ? WHERE username = ?`, image, username)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
