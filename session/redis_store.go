package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vitaview/core"
)

// RedisStore shares sessions across instances. Each session is a JSON value
// at session:<id>; user_sessions:<uid> indexes a user's session ids. Keys
// expire with the absolute timeout so abandoned sessions clean themselves up.
type RedisStore struct {
	cache *core.RedisCache
	ttl   time.Duration
	now   func() time.Time
}

// NewRedisStore wraps cache. ttl is the absolute session timeout.
func NewRedisStore(cache *core.RedisCache, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: cache, ttl: ttl, now: time.Now}
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	found, err := r.cache.Get(ctx, core.SessionKey(id), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

// Put writes the session with the time left until its absolute expiry.
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	ttl := s.CreatedAt.Add(r.ttl).Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.cache.Set(ctx, core.SessionKey(s.ID), s, ttl); err != nil {
		return err
	}
	return r.cache.SAdd(ctx, core.UserSessionsKey(s.UserID), r.ttl, s.ID)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, core.SessionKey(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return r.cache.SRem(ctx, core.UserSessionsKey(s.UserID), id)
}

// ListByUser resolves the user index, pruning ids whose session key expired.
func (r *RedisStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	key := core.UserSessionsKey(userID)
	ids, err := r.cache.SMembers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list sessions of %s: %w", userID, err)
	}
	out := make([]*Session, 0, len(ids))
	var stale []string
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := r.cache.SRem(ctx, key, stale...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *RedisStore) List(ctx context.Context) ([]*Session, error) {
	keys, err := r.cache.Keys(ctx, core.CacheKeySessionPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		s, err := r.Get(ctx, strings.TrimPrefix(k, core.CacheKeySessionPrefix))
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
