package users

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemRepo is an in-process credential store, used for local development
// (users_store = "memory") and in tests. Every method copies users in and
// out, so callers never share records with the store.
type MemRepo struct {
	mutex sync.RWMutex
	users map[uuid.UUID]*User
}

func NewMemRepo() *MemRepo {
	return &MemRepo{
		users: make(map[uuid.UUID]*User),
	}
}

// caller must hold the lock
func (r *MemRepo) taken(username, email string) bool {
	for _, u := range r.users {
		if u.Username == username || u.Email == email {
			return true
		}
	}
	return false
}

func (r *MemRepo) Add(_ context.Context, user *User) (*User, error) {
	if err := prepareNew(user); err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.taken(user.Username, user.Email) {
		return nil, ErrUserExists
	}
	if _, ok := r.users[user.ID]; ok {
		return nil, errors.New("duplicate user id")
	}

	stored := *user
	r.users[user.ID] = &stored
	return user, nil
}

func (r *MemRepo) EnsureAdmin(_ context.Context, admin *User) (bool, error) {
	if err := prepareNew(admin); err != nil {
		return false, err
	}
	admin.IsAdmin = true

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.taken(admin.Username, admin.Email) {
		return false, nil
	}
	stored := *admin
	r.users[admin.ID] = &stored
	return true, nil
}

func (r *MemRepo) Exists(_ context.Context, username, email string) (bool, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.taken(username, email), nil
}

func (r *MemRepo) Get(_ context.Context, id uuid.UUID) (*User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	found := *u
	return &found, nil
}

func (r *MemRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, u := range r.users {
		if u.Email == email {
			found := *u
			return &found, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *MemRepo) List(_ context.Context) ([]User, error) {
	r.mutex.RLock()
	users := make([]User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u)
	}
	r.mutex.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Username < users[j].Username
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (r *MemRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *MemRepo) ToggleAdmin(_ context.Context, id uuid.UUID) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	u, ok := r.users[id]
	if !ok {
		return false, ErrUserNotFound
	}
	u.IsAdmin = !u.IsAdmin
	return u.IsAdmin, nil
}

func (r *MemRepo) UpdatePassword(_ context.Context, username, passwordHash string) error {
	if passwordHash == "" {
		return errors.New("password hash empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, u := range r.users {
		if u.Username == username {
			u.PasswordHash = passwordHash
			return nil
		}
	}
	return ErrUserNotFound
}

func (r *MemRepo) Ping(context.Context) error {
	return nil
}
