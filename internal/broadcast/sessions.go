package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

// SessionStore keeps at most one pending session per admin. Put replaces.
// Sessions expire after the store's TTL. Take reads and removes a session in
// one step, so of two concurrent callers only one gets it.
type SessionStore interface {
	Get(ctx context.Context, adminID int64) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, adminID int64) error
	Take(ctx context.Context, adminID int64) (Session, error)
}

type memEntry struct {
	s       Session
	expires time.Time
}

// MemoryStore is the default in-process session store.
type MemoryStore struct {
	mu  sync.Mutex
	m   map[int64]memEntry
	ttl time.Duration
	now func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryStore{m: map[int64]memEntry{}, ttl: ttl, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, adminID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.m[adminID]
	if !ok {
		return Session{}, ErrNoSession
	}
	if m.now().After(e.expires) {
		delete(m.m, adminID)
		return Session{}, ErrNoSession
	}
	return cloneSession(e.s), nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.m {
		if now.After(e.expires) {
			delete(m.m, id)
		}
	}
	m.m[s.AdminID] = memEntry{s: cloneSession(s), expires: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Take(_ context.Context, adminID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.m[adminID]
	if !ok {
		return Session{}, ErrNoSession
	}
	delete(m.m, adminID)
	if m.now().After(e.expires) {
		return Session{}, ErrNoSession
	}
	return cloneSession(e.s), nil
}

func (m *MemoryStore) Delete(_ context.Context, adminID int64) error {
	m.mu.Lock()
	delete(m.m, adminID)
	m.mu.Unlock()
	return nil
}

func cloneSession(s Session) Session {
	s.Recipients = append([]int64(nil), s.Recipients...)
	s.Content.Buttons = append([]Button(nil), s.Content.Buttons...)
	return s
}

// RedisStore keeps sessions in Redis so a restart does not lose a pending
// broadcast.
type RedisStore struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// DialRedis connects a RedisStore. Close releases the client.
func DialRedis(opt RedisOptions) (*RedisStore, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{opt.Addr},
		Password:     opt.Password,
		SelectDB:     opt.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("redis session store: %w", err)
	}
	return NewRedisStore(client, opt.KeyPrefix, opt.TTL), nil
}

func NewRedisStore(client rueidis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if prefix == "" {
		prefix = "gatebot:bc:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(adminID int64) string {
	return r.prefix + strconv.FormatInt(adminID, 10)
}

func (r *RedisStore) Get(ctx context.Context, adminID int64) (Session, error) {
	return r.read(ctx, r.client.B().Get().Key(r.key(adminID)).Build(), "get")
}

// Take uses GETDEL so the read and the delete are one command.
func (r *RedisStore) Take(ctx context.Context, adminID int64) (Session, error) {
	return r.read(ctx, r.client.B().Getdel().Key(r.key(adminID)).Build(), "take")
}

func (r *RedisStore) read(ctx context.Context, cmd rueidis.Completed, op string) (Session, error) {
	b, err := r.client.Do(ctx, cmd).AsBytes()
	if rueidis.IsRedisNil(err) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("redis %s session: %w", op, err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	cmd := r.client.B().Set().Key(r.key(s.AdminID)).Value(string(b)).Ex(r.ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, adminID int64) error {
	if err := r.client.Do(ctx, r.client.B().Del().Key(r.key(adminID)).Build()).Error(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() { r.client.Close() }
