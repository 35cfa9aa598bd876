// Package registrar is the participant directory: who can be called, and
// how they are displayed in an incoming-call notification.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	logging "github.com/ipfs/go-log/v2"

	"peercall/internal/models"
)

var log = logging.Logger("registrar")

// ErrNotFound is returned by Lookup for unregistered participants.
var ErrNotFound = errors.New("participant not found")

// RegistrationTTL is how long a registration lives without a refresh.
const RegistrationTTL = 1 * time.Hour

// Directory resolves participant ids.
type Directory interface {
	Register(ctx context.Context, p models.Participant) error
	Lookup(ctx context.Context, id string) (models.Participant, error)
}

// RedisRegistrar keeps one JSON document per participant under
// participants:{id}, expiring after RegistrationTTL.
type RedisRegistrar struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisRegistrar(addr string) *RedisRegistrar {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}
	return NewRedisRegistrarFromClient(rdb)
}

// NewRedisRegistrarFromClient shares a connection with the signaling store.
func NewRedisRegistrarFromClient(rdb *redis.Client) *RedisRegistrar {
	return &RedisRegistrar{rdb: rdb, ttl: RegistrationTTL}
}

func participantKey(id string) string {
	return fmt.Sprintf("participants:%s", id)
}

func (r *RedisRegistrar) Register(ctx context.Context, p models.Participant) error {
	if p.ID == "" {
		return errors.New("participant id is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	log.Debugf("storing %s (%q)", p.ID, p.DisplayName)
	return r.rdb.Set(ctx, participantKey(p.ID), raw, r.ttl).Err()
}

func (r *RedisRegistrar) Lookup(ctx context.Context, id string) (models.Participant, error) {
	val, err := r.rdb.Get(ctx, participantKey(id)).Bytes()
	if err == redis.Nil {
		return models.Participant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return models.Participant{}, err
	}
	var p models.Participant
	if err := json.Unmarshal(val, &p); err != nil {
		return models.Participant{}, fmt.Errorf("decoding participant %s: %w", id, err)
	}
	return p, nil
}

// MemoryRegistrar is an in-process Directory without expiry.
type MemoryRegistrar struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
}

func NewMemoryRegistrar() *MemoryRegistrar {
	return &MemoryRegistrar{participants: make(map[string]models.Participant)}
}

func (m *MemoryRegistrar) Register(_ context.Context, p models.Participant) error {
	if p.ID == "" {
		return errors.New("participant id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = p
	return nil
}

func (m *MemoryRegistrar) Lookup(_ context.Context, id string) (models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return models.Participant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}
