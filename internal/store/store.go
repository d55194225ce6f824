// Package store is the durable side of the server: accounts, avatars, file
// metadata, shared links and the latest snapshot of every file.
//
// Snapshots are opaque bytes here; the registry decides their encoding.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrExists        = errors.New("store: already exists")
	ErrWrongPassword = errors.New("store: wrong password")
)

// FileKey identifies a file: its name plus its owner.
type FileKey struct {
	Name  string
	Owner string
}

// String renders the key as "name,owner".
func (k FileKey) String() string { return k.Name + "," + k.Owner }

// ParseFileKey splits "name,owner" at the last comma, so names may contain
// commas but owners may not.
func ParseFileKey(s string) (FileKey, error) {
	i := strings.LastIndexByte(s, ',')
	if i <= 0 || i == len(s)-1 {
		return FileKey{}, fmt.Errorf("invalid file key %q", s)
	}
	return FileKey{Name: s[:i], Owner: s[i+1:]}, nil
}

// Files persists file metadata and snapshots.
type Files interface {
	// CreateFile registers an empty file and returns its shared link.
	CreateFile(ctx context.Context, key FileKey) (string, error)
	FileExists(ctx context.Context, key FileKey) (bool, error)
	// LoadFile returns the latest snapshot, nil for a file never saved.
	LoadFile(ctx context.Context, key FileKey) ([]byte, error)
	SaveFile(ctx context.Context, key FileKey, snapshot []byte) error
	SharedLink(ctx context.Context, key FileKey) (string, error)
	// ResolveSharedLink returns the file behind link and records that user
	// has access to it.
	ResolveSharedLink(ctx context.Context, link, user string) (FileKey, error)
	// ListFiles returns the files user owns, or those shared with user.
	ListFiles(ctx context.Context, user string, shared bool) ([]FileKey, error)
}

// Accounts manages credentials and profiles.
type Accounts interface {
	Signup(ctx context.Context, username, password, nickname string) error
	// Login returns the user's nickname.
	Login(ctx context.Context, username, password string) (string, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UpdateNickname(ctx context.Context, username, nickname string) error
	UpdatePassword(ctx context.Context, username, oldPassword, newPassword string) error
	CheckPassword(ctx context.Context, username, password string) error
	// Avatar returns nil when the user has none.
	Avatar(ctx context.Context, username string) ([]byte, error)
	SetAvatar(ctx context.Context, username string, image []byte) error
}

// Store is a complete backend.
type Store interface {
	Files
	Accounts
	Close() error
}

// Config selects a backend.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "bolt":
		return OpenBolt(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

var bcryptCost = bcrypt.DefaultCost

func hashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func checkPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrWrongPassword
		}
		return fmt.Errorf("check password: %w", err)
	}
	return nil
}

func newSharedLink() string { return uuid.NewString() }

func defaultNickname(username, nickname string) string {
	if nickname == "" {
		return username
	}
	return nickname
}
