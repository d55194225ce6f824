package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	nickname TEXT NOT NULL,
	avatar   BYTEA
);
CREATE TABLE IF NOT EXISTS files (
	name        TEXT NOT NULL,
	owner       TEXT NOT NULL,
	shared_link TEXT NOT NULL UNIQUE,
	content     BYTEA,
	PRIMARY KEY (name, owner)
);
CREATE TABLE IF NOT EXISTS shares (
	username TEXT NOT NULL,
	name     TEXT NOT NULL,
	owner    TEXT NOT NULL,
	PRIMARY KEY (username, name, owner)
);`

// Postgres is the shared-database backend.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateFile(ctx context.Context, key FileKey) (string, error) {
	link := newSharedLink()
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO files (name, owner, shared_link) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		key.Name, key.Owner, link)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrExists
	}
	return link, nil
}

func (p *Postgres) FileExists(ctx context.Context, key FileKey) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM files WHERE name = $1 AND owner = $2)`,
		key.Name, key.Owner).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("file exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) LoadFile(ctx context.Context, key FileKey) ([]byte, error) {
	var content []byte
	err := p.pool.QueryRow(ctx, `SELECT content FROM files WHERE name = $1 AND owner = $2`, key.Name, key.Owner).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	return content, nil
}

func (p *Postgres) SaveFile(ctx context.Context, key FileKey, snapshot []byte) error {
	tag, err := p.pool.Exec(ctx, `UPDATE files SET content = $1 WHERE name = $2 AND owner = $3`, snapshot, key.Name, key.Owner)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SharedLink(ctx context.Context, key FileKey) (string, error) {
	var link string
	err := p.pool.QueryRow(ctx, `SELECT shared_link FROM files WHERE name = $1 AND owner = $2`, key.Name, key.Owner).Scan(&link)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("shared link: %w", err)
	}
	return link, nil
}

func (p *Postgres) ResolveSharedLink(ctx context.Context, link, user string) (FileKey, error) {
	var key FileKey
	err := p.pool.QueryRow(ctx, `SELECT name, owner FROM files WHERE shared_link = $1`, link).Scan(&key.Name, &key.Owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return FileKey{}, ErrNotFound
	}
	if err != nil {
		return FileKey{}, fmt.Errorf("resolve shared link: %w", err)
	}
	if user != key.Owner {
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO shares (username, name, owner) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			user, key.Name, key.Owner); err != nil {
			return FileKey{}, fmt.Errorf("record share: %w", err)
		}
	}
	return key, nil
}

func (p *Postgres) ListFiles(ctx context.Context, user string, shared bool) ([]FileKey, error) {
	q := `SELECT name, owner FROM files WHERE owner = $1 ORDER BY owner, name`
	if shared {
		q = `SELECT name, owner FROM shares WHERE username = $1 ORDER BY owner, name`
	}
	rows, err := p.pool.Query(ctx, q, user)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FileKey, error) {
		var k FileKey
		err := row.Scan(&k.Name, &k.Owner)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

func (p *Postgres) Signup(ctx context.Context, username, password, nickname string) error {
	h, err := hashPassword(password)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO users (username, password, nickname) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		username, h, defaultNickname(username, nickname))
	if err != nil {
		return fmt.Errorf("signup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) credentials(ctx context.Context, username string) (hash, nickname string, err error) {
	err = p.pool.QueryRow(ctx, `SELECT password, nickname FROM users WHERE username = $1`, username).Scan(&hash, &nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("load account: %w", err)
	}
	return hash, nickname, nil
}

func (p *Postgres) Login(ctx context.Context, username, password string) (string, error) {
	hash, nickname, err := p.credentials(ctx, username)
	if err != nil {
		return "", err
	}
	if err := checkPassword(hash, password); err != nil {
		return "", err
	}
	return nickname, nil
}

func (p *Postgres) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("username exists: %w", err)
	}
	return exists, nil
}

func (p *Postgres) UpdateNickname(ctx context.Context, username, nickname string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET nickname = $1 WHERE username = $2`, nickname, username)
	if err != nil {
		return fmt.Errorf("update nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := p.CheckPassword(ctx, username, oldPassword); err != nil {
		return err
	}
	h, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `UPDATE users SET password = $1 WHERE username = $2`, h, username); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (p *Postgres) CheckPassword(ctx context.Context, username, password string) error {
	hash, _, err := p.credentials(ctx, username)
	if err != nil {
		return err
	}
	return checkPassword(hash, password)
}

func (p *Postgres) Avatar(ctx context.Context, username string) ([]byte, error) {
	var img []byte
	err := p.pool.QueryRow(ctx, `SELECT avatar FROM users WHERE username = $1`, username).Scan(&img)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("avatar: %w", err)
	}
	return img, nil
}

func (p *Postgres) SetAvatar(ctx context.Context, username string, image []byte) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET avatar = $1 WHERE username = $2`, image, username)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
