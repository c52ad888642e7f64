package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const (
	keyPrefix = "weather:"
	// memcached rejects keys over 250 bytes.
	maxMemcachedKey = 250
)

// MemcachedStore implements Store using memcached. Records are written without
// expiry; memcached may still evict them under memory pressure, which reads as a miss.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcachedKey escapes the city so spaces and control characters are legal.
// Escaping keeps distinct spellings distinct; overlong keys are hashed.
func memcachedKey(city string) string {
	k := keyPrefix + url.PathEscape(city)
	if len(k) <= maxMemcachedKey {
		return k
	}
	sum := sha256.Sum256([]byte(city))
	return keyPrefix + "sha256:" + hex.EncodeToString(sum[:])
}

func (s *MemcachedStore) Find(ctx context.Context, city string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	item, err := s.client.Get(memcachedKey(city))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return Record{}, false, err
	}
	// Guard against a hash collision on overlong keys.
	if rec.City != city {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemcachedStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(&memcache.Item{
		Key:   memcachedKey(rec.City),
		Value: raw,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
