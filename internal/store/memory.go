package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type memAccount struct {
	hash     string
	nickname string
	avatar   []byte
}

type memFile struct {
	link    string
	content []byte
}

// Memory keeps everything in process. It backs tests and the "memory"
// driver.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	files    map[FileKey]*memFile
	links    map[string]FileKey
	shares   map[string]map[FileKey]bool
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		files:    make(map[FileKey]*memFile),
		links:    make(map[string]FileKey),
		shares:   make(map[string]map[FileKey]bool),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateFile(_ context.Context, key FileKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[key]; ok {
		return "", ErrExists
	}
	link := newSharedLink()
	m.files[key] = &memFile{link: link}
	m.links[link] = key
	return link, nil
}

func (m *Memory) FileExists(_ context.Context, key FileKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok, nil
}

func (m *Memory) LoadFile(_ context.Context, key FileKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(f.content), nil
}

func (m *Memory) SaveFile(_ context.Context, key FileKey, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	if !ok {
		return ErrNotFound
	}
	f.content = slices.Clone(snapshot)
	return nil
}

func (m *Memory) SharedLink(_ context.Context, key FileKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[key]
	if !ok {
		return "", ErrNotFound
	}
	return f.link, nil
}

func (m *Memory) ResolveSharedLink(_ context.Context, link, user string) (FileKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.links[link]
	if !ok {
		return FileKey{}, ErrNotFound
	}
	if user != key.Owner {
		if m.shares[user] == nil {
			m.shares[user] = make(map[FileKey]bool)
		}
		m.shares[user][key] = true
	}
	return key, nil
}

func (m *Memory) ListFiles(_ context.Context, user string, shared bool) ([]FileKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FileKey
	if shared {
		for k := range m.shares[user] {
			out = append(out, k)
		}
	} else {
		for k := range m.files {
			if k.Owner == user {
				out = append(out, k)
			}
		}
	}
	sortKeys(out)
	return out, nil
}

func (m *Memory) Signup(_ context.Context, username, password, nickname string) error {
	h, err := hashPassword(password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[username]; ok {
		return ErrExists
	}
	m.accounts[username] = &memAccount{hash: h, nickname: defaultNickname(username, nickname)}
	return nil
}

func (m *Memory) account(username string) (*memAccount, error) {
	a, ok := m.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *Memory) credentials(username string) (hash, nickname string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(username)
	if err != nil {
		return "", "", err
	}
	return a.hash, a.nickname, nil
}

func (m *Memory) Login(_ context.Context, username, password string) (string, error) {
	hash, nickname, err := m.credentials(username)
	if err != nil {
		return "", err
	}
	if err := checkPassword(hash, password); err != nil {
		return "", err
	}
	return nickname, nil
}

func (m *Memory) UsernameExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[username]
	return ok, nil
}

func (m *Memory) UpdateNickname(_ context.Context, username, nickname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(username)
	if err != nil {
		return err
	}
	a.nickname = nickname
	return nil
}

func (m *Memory) UpdatePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := m.CheckPassword(ctx, username, oldPassword); err != nil {
		return err
	}
	h, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(username)
	if err != nil {
		return err
	}
	a.hash = h
	return nil
}

func (m *Memory) CheckPassword(_ context.Context, username, password string) error {
	hash, _, err := m.credentials(username)
	if err != nil {
		return err
	}
	return checkPassword(hash, password)
}

func (m *Memory) Avatar(_ context.Context, username string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(username)
	if err != nil {
		return nil, err
	}
	return slices.Clone(a.avatar), nil
}

func (m *Memory) SetAvatar(_ context.Context, username string, image []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(username)
	if err != nil {
		return err
	}
	a.avatar = slices.Clone(image)
	return nil
}

func sortKeys(keys []FileKey) {
	slices.SortFunc(keys, func(a, b FileKey) int {
		return cmp.Or(cmp.Compare(a.Owner, b.Owner), cmp.Compare(a.Name, b.Name))
	})
}
