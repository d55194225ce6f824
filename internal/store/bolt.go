package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers   = []byte("users")
	bucketAvatars = []byte("avatars")
	bucketFiles   = []byte("files")
	bucketContent = []byte("content")
	bucketLinks   = []byte("links")
	bucketShares  = []byte("shares")
)

type boltUser struct {
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

type boltFile struct {
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	SharedLink string `json:"shared_link"`
}

// Bolt is the single-file embedded backend.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketAvatars, bucketFiles, bucketContent, bucketLinks, bucketShares} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

// fileID orders by owner then name; the separator cannot appear in either.
func fileID(k FileKey) []byte { return []byte(k.Owner + "\x00" + k.Name) }

func shareID(user string, k FileKey) []byte {
	return []byte(user + "\x00" + k.Owner + "\x00" + k.Name)
}

func (b *Bolt) CreateFile(_ context.Context, key FileKey) (string, error) {
	link := newSharedLink()
	err := b.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		id := fileID(key)
		if files.Get(id) != nil {
			return ErrExists
		}
		meta, err := json.Marshal(boltFile{Name: key.Name, Owner: key.Owner, SharedLink: link})
		if err != nil {
			return err
		}
		if err := files.Put(id, meta); err != nil {
			return err
		}
		return tx.Bucket(bucketLinks).Put([]byte(link), id)
	})
	if err != nil {
		return "", err
	}
	return link, nil
}

func (b *Bolt) file(tx *bolt.Tx, id []byte) (boltFile, error) {
	var f boltFile
	raw := tx.Bucket(bucketFiles).Get(id)
	if raw == nil {
		return f, ErrNotFound
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode file %q: %w", id, err)
	}
	return f, nil
}

func (b *Bolt) FileExists(_ context.Context, key FileKey) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketFiles).Get(fileID(key)) != nil
		return nil
	})
	return ok, err
}

func (b *Bolt) LoadFile(_ context.Context, key FileKey) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		id := fileID(key)
		if tx.Bucket(bucketFiles).Get(id) == nil {
			return ErrNotFound
		}
		// values are only valid inside the transaction
		if v := tx.Bucket(bucketContent).Get(id); v != nil {
			out = bytes.Clone(v)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) SaveFile(_ context.Context, key FileKey, snapshot []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		id := fileID(key)
		if tx.Bucket(bucketFiles).Get(id) == nil {
			return ErrNotFound
		}
		if snapshot == nil {
			snapshot = []byte{}
		}
		return tx.Bucket(bucketContent).Put(id, snapshot)
	})
}

func (b *Bolt) SharedLink(_ context.Context, key FileKey) (string, error) {
	var link string
	err := b.db.View(func(tx *bolt.Tx) error {
		f, err := b.file(tx, fileID(key))
		link = f.SharedLink
		return err
	})
	return link, err
}

func (b *Bolt) ResolveSharedLink(_ context.Context, link, user string) (FileKey, error) {
	var key FileKey
	err := b.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketLinks).Get([]byte(link))
		if id == nil {
			return ErrNotFound
		}
		f, err := b.file(tx, id)
		if err != nil {
			return err
		}
		key = FileKey{Name: f.Name, Owner: f.Owner}
		if user == key.Owner {
			return nil
		}
		return tx.Bucket(bucketShares).Put(shareID(user, key), []byte{})
	})
	return key, err
}

func (b *Bolt) ListFiles(_ context.Context, user string, shared bool) ([]FileKey, error) {
	var out []FileKey
	err := b.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(user + "\x00")
		if shared {
			c := tx.Bucket(bucketShares).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				owner, name, ok := bytes.Cut(k[len(prefix):], []byte{0})
				if !ok {
					continue
				}
				out = append(out, FileKey{Name: string(name), Owner: string(owner)})
			}
			return nil
		}
		c := tx.Bucket(bucketFiles).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			out = append(out, FileKey{Name: string(k[len(prefix):]), Owner: user})
		}
		return nil
	})
	return out, err
}

func (b *Bolt) user(tx *bolt.Tx, username string) (boltUser, error) {
	var u boltUser
	raw := tx.Bucket(bucketUsers).Get([]byte(username))
	if raw == nil {
		return u, ErrNotFound
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("decode user %q: %w", username, err)
	}
	return u, nil
}

func putUser(tx *bolt.Tx, username string, u boltUser) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put([]byte(username), raw)
}

func (b *Bolt) Signup(_ context.Context, username, password, nickname string) error {
	h, err := hashPassword(password)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(username)) != nil {
			return ErrExists
		}
		return putUser(tx, username, boltUser{Password: h, Nickname: defaultNickname(username, nickname)})
	})
}

func (b *Bolt) credentials(username string) (boltUser, error) {
	var u boltUser
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		u, err = b.user(tx, username)
		return err
	})
	return u, err
}

func (b *Bolt) Login(_ context.Context, username, password string) (string, error) {
	u, err := b.credentials(username)
	if err != nil {
		return "", err
	}
	if err := checkPassword(u.Password, password); err != nil {
		return "", err
	}
	return u.Nickname, nil
}

func (b *Bolt) UsernameExists(_ context.Context, username string) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketUsers).Get([]byte(username)) != nil
		return nil
	})
	return ok, err
}

func (b *Bolt) UpdateNickname(_ context.Context, username, nickname string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		u, err := b.user(tx, username)
		if err != nil {
			return err
		}
		u.Nickname = nickname
		return putUser(tx, username, u)
	})
}

func (b *Bolt) UpdatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := b.CheckPassword(ctx, username, oldPassword); err != nil {
		return err
	}
	h, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		u, err := b.user(tx, username)
		if err != nil {
			return err
		}
		u.Password = h
		return putUser(tx, username, u)
	})
}

func (b *Bolt) CheckPassword(_ context.Context, username, password string) error {
	u, err := b.credentials(username)
	if err != nil {
		return err
	}
	return checkPassword(u.Password, password)
}

func (b *Bolt) Avatar(_ context.Context, username string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(username)) == nil {
			return ErrNotFound
		}
		if v := tx.Bucket(bucketAvatars).Get([]byte(username)); len(v) > 0 {
			out = bytes.Clone(v)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) SetAvatar(_ context.Context, username string, image []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(username)) == nil {
			return ErrNotFound
		}
		if len(image) == 0 {
			return tx.Bucket(bucketAvatars).Delete([]byte(username))
		}
		return tx.Bucket(bucketAvatars).Put([]byte(username), image)
	})
}
