package service

import (
	"context"
	"sync"
	"sync/atomic"

	"avatar-cache/internal/directory"
	"avatar-cache/internal/domain"
	"avatar-cache/internal/repository"
	"avatar-cache/internal/storage"
)

type fakeDirectory struct {
	users      map[string]*directory.RemoteUser
	images     map[string][]byte
	userErr    error
	bytesErr   error
	bytesCalls atomic.Int32
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:  map[string]*directory.RemoteUser{},
		images: map[string][]byte{},
	}
}

func (f *fakeDirectory) FetchUser(_ context.Context, id string) (*directory.RemoteUser, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return u, nil
}

func (f *fakeDirectory) FetchBytes(_ context.Context, url string) ([]byte, error) {
	f.bytesCalls.Add(1)
	if f.bytesErr != nil {
		return nil, f.bytesErr
	}
	data, ok := f.images[url]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return data, nil
}

type memUsers struct {
	mu        sync.Mutex
	users     map[string]domain.User
	getErr    error
	updateErr error
}

func newMemUsers(users ...domain.User) *memUsers {
	m := &memUsers{users: map[string]domain.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) Init(context.Context) error { return nil }
func (m *memUsers) Close() error               { return nil }

func (m *memUsers) Create(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return repository.ErrDuplicate
	}
	m.users[user.ID] = *user
	return nil
}

func (m *memUsers) Get(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if u.AvatarHash != nil {
		h := *u.AvatarHash
		u.AvatarHash = &h
	}
	return &u, nil
}

func (m *memUsers) List(context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.User
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memUsers) UpdateAvatarHash(_ context.Context, id string, hash *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	u, ok := m.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if hash == nil {
		u.AvatarHash = nil
	} else {
		h := *hash
		u.AvatarHash = &h
	}
	m.users[id] = u
	return nil
}

func (m *memUsers) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *memUsers) hashOf(id string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id].AvatarHash
}

// countingStore records mutations made through an underlying store.
type countingStore struct {
	storage.AvatarStore
	writes   atomic.Int32
	removes  atomic.Int32
	writeErr error
}

func (c *countingStore) Write(ctx context.Context, name string, data []byte) error {
	c.writes.Add(1)
	if c.writeErr != nil {
		return c.writeErr
	}
	return c.AvatarStore.Write(ctx, name, data)
}

func (c *countingStore) Remove(ctx context.Context, name string) error {
	c.removes.Add(1)
	return c.AvatarStore.Remove(ctx, name)
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []domain.User
}

func (r *recordingNotifier) Notify(user domain.User) {
	r.mu.Lock()
	r.users = append(r.users, user)
	r.mu.Unlock()
}
