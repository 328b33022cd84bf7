package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"murmur/cmd/identity/ids"
	"murmur/cmd/internal/apperr"
)

const (
	maxUsernameChars    = 32
	maxDisplayNameChars = 64
	maxAvatarBytes      = 2048

	defaultSearchLimit = 20
)

// Directory is the in-memory user registry.
//
// Concurrency:
//   - One mutex guards users and the sequential counter, so handle allocation and
//     username uniqueness are decided in the same critical section.
//   - Returned Users are copies; callers cannot mutate directory state.
type Directory struct {
	mu         sync.RWMutex
	users      map[string]*User
	byUsername map[string]string
	bySeq      map[int64]string
	counter    int64
}

// NewDirectory constructs an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		users:      make(map[string]*User),
		byUsername: make(map[string]string),
		bySeq:      make(map[int64]string),
	}
}

// Register creates a user and assigns the next sequential handle.
func (d *Directory) Register(ctx context.Context, in RegisterInput) (User, error) {
	const op = "identity.Register"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	username := strings.TrimSpace(in.Username)
	norm := NormalizeUsername(username)
	if norm == "" {
		return User{}, apperr.Validation(op, "username is required")
	}
	if utf8.RuneCountInString(username) > maxUsernameChars {
		return User{}, apperr.Validation(op, "username too long")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return User{}, apperr.Validation(op, "username must not contain whitespace")
	}

	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = username
	}
	if utf8.RuneCountInString(display) > maxDisplayNameChars {
		return User{}, apperr.Validation(op, "display name too long")
	}
	if len(in.Avatar) > maxAvatarBytes {
		return User{}, apperr.Validation(op, "avatar too large")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.byUsername[norm]; taken {
		return User{}, apperr.Conflict(op, "username already taken")
	}

	d.counter++
	u := &User{
		ID:           id,
		Username:     username,
		DisplayName:  display,
		SequentialID: d.counter,
		Handle:       FormatHandle(d.counter),
		Avatar:       in.Avatar,
		CreatedAt:    now,
	}
	d.users[u.ID] = u
	d.byUsername[norm] = u.ID
	d.bySeq[u.SequentialID] = u.ID

	return *u, nil
}

// Get returns the user with the given id.
func (d *Directory) Get(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, apperr.NotFound("identity.Get", "user")
	}
	return *u, nil
}

// GetByHandle resolves "#N" (or "N") to a user.
func (d *Directory) GetByHandle(_ context.Context, handle string) (User, error) {
	const op = "identity.GetByHandle"

	n, ok := ParseHandle(handle)
	if !ok {
		return User{}, apperr.Validation(op, "malformed handle")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.bySeq[n]
	if !ok {
		return User{}, apperr.NotFound(op, "user")
	}
	return *d.users[id], nil
}

// Update applies a partial update. Only the avatar may change.
func (d *Directory) Update(_ context.Context, id string, in UpdateInput) (User, error) {
	const op = "identity.Update"

	if in.Avatar != nil && len(*in.Avatar) > maxAvatarBytes {
		return User{}, apperr.Validation(op, "avatar too large")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, apperr.NotFound(op, "user")
	}
	if in.Avatar != nil {
		u.Avatar = *in.Avatar
	}
	return *u, nil
}

// List returns every user ordered by sequential id, plus the current counter.
func (d *Directory) List(_ context.Context) Listing {
	d.mu.RLock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, *u)
	}
	counter := d.counter
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SequentialID < out[j].SequentialID })
	return Listing{Users: out, Counter: counter}
}

// Search is a case-insensitive substring match over username, display name and handle.
// It is a linear scan; fine at demo scale.
func (d *Directory) Search(_ context.Context, query, excludeID string, limit int) []User {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	d.mu.RLock()
	matches := make([]User, 0, 8)
	for _, u := range d.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) ||
			strings.Contains(strings.ToLower(u.DisplayName), q) ||
			strings.Contains(u.Handle, q) {
			matches = append(matches, *u)
		}
	}
	d.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].SequentialID < matches[j].SequentialID })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Len returns the number of registered users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Reset wipes all users. The counter is kept so handles are never reused.
func (d *Directory) Reset(_ context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.users = make(map[string]*User)
	d.byUsername = make(map[string]string)
	d.bySeq = make(map[int64]string)
}
