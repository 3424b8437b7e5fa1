package coordinator

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/loomctl/loom/internal/pubsub"
)

// Memory implements Coordinator in process memory. It backs single-node
// deployments and tests. String and hash keys honor TTLs via the cache;
// lists and sets live until deleted.
type Memory struct {
	mu     sync.Mutex
	kv     *cache.Cache
	lists  map[string][]string
	sets   map[string]map[string]struct{}
	broker *pubsub.Broker[Message]
}

var _ Coordinator = (*Memory)(nil)

// NewMemory creates an empty in-memory coordinator.
func NewMemory() *Memory {
	return &Memory{
		kv:     cache.New(cache.NoExpiration, time.Minute),
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]struct{}),
		broker: pubsub.NewBroker[Message](),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, found := m.kv.Get(key)
	if !found {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("coordinator: key %s holds wrong type", key)
	}
	return s, true, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Set(key, value, cache.NoExpiration)
	return nil
}

func (m *Memory) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Set(key, value, ttl)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl == 0 {
		ttl = cache.NoExpiration
	}
	if err := m.kv.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.kv.Delete(key)
		delete(m.lists, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, found := m.kv.Get(key)
		if !found {
			continue
		}
		if s, ok := v.(string); ok {
			out[key] = s
		}
	}
	return out, nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	match := func(key string) {
		// Keys contain no "/" so path.Match globbing lines up with the
		// Redis MATCH semantics our patterns rely on.
		if ok, err := path.Match(pattern, key); err == nil && ok {
			out = append(out, key)
		}
	}
	for key := range m.kv.Items() {
		match(key)
	}
	for key := range m.lists {
		match(key)
	}
	for key := range m.sets {
		match(key)
	}
	return out, nil
}

func (m *Memory) PushRight(ctx context.Context, list string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list] = append(m.lists[list], values...)
	return nil
}

func (m *Memory) PopLeft(ctx context.Context, list string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[list]
	if len(items) == 0 {
		return "", false, nil
	}
	head := items[0]
	if len(items) == 1 {
		delete(m.lists, list)
	} else {
		m.lists[list] = items[1:]
	}
	return head, true, nil
}

func (m *Memory) PeekLeft(ctx context.Context, list string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[list]
	if len(items) == 0 {
		return "", false, nil
	}
	return items[0], true, nil
}

func (m *Memory) ListLen(ctx context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[list])), nil
}

func (m *Memory) SetAdd(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[set] = s
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SetRemove(ctx context.Context, set string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		delete(m.sets, set)
	}
	return nil
}

func (m *Memory) SetMembers(ctx context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[set]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) SetContains(ctx context.Context, set, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[set][member]
	return ok, nil
}

func (m *Memory) SetCard(ctx context.Context, set string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[set])), nil
}

func (m *Memory) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var hash map[string]string
	if v, found := m.kv.Get(key); found {
		existing, ok := v.(map[string]string)
		if !ok {
			return fmt.Errorf("coordinator: key %s holds wrong type", key)
		}
		hash = existing
	} else {
		hash = make(map[string]string, len(fields))
	}
	for f, v := range fields {
		hash[f] = v
	}
	m.kv.Set(key, hash, cache.NoExpiration)
	return nil
}

func (m *Memory) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, found := m.kv.Get(key)
	if !found {
		return map[string]string{}, nil
	}
	hash, ok := v.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("coordinator: key %s holds wrong type", key)
	}
	out := make(map[string]string, len(hash))
	for f, val := range hash {
		out[f] = val
	}
	return out, nil
}

// Expire refreshes the TTL of string and hash keys. List and set keys
// have no expiry in this backend; expiring them is a no-op.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, found := m.kv.Get(key); found {
		m.kv.Set(key, v, ttl)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.broker.Publish(pubsub.Topic(channel), Message{Channel: channel, Payload: payload})
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	events := m.broker.Subscribe(ctx)
	want := make(map[pubsub.Topic]struct{}, len(channels))
	for _, ch := range channels {
		want[pubsub.Topic(ch)] = struct{}{}
	}
	sub := &memorySubscription{
		out:    make(chan Message, 64),
		cancel: cancel,
	}
	go func() {
		defer close(sub.out)
		for ev := range events {
			if _, ok := want[ev.Topic]; !ok {
				continue
			}
			select {
			case sub.out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

type memorySubscription struct {
	out    chan Message
	cancel context.CancelFunc
	once   sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (m *Memory) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	token := uuid.NewString()
	ok, err := m.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	unlock := func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		v, found := m.kv.Get(key)
		if !found || v != token {
			return ErrNotLocked
		}
		m.kv.Delete(key)
		return nil
	}
	return unlock, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.broker.Close()
	m.kv.Flush()
	return nil
}
