// Package session keeps server-side login sessions in redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"branchgate.org/internal/ids"
)

var ErrNotFound = errors.New("session: not found")

// Session is the server-side state behind the session cookie. Data holds
// flat string flags such as the 2FA markers.
type Session struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Data      map[string]string `json:"data,omitempty"`
}

// Get returns a data value.
func (s *Session) Get(key string) string {
	return s.Data[key]
}

// Set stores a data value.
func (s *Session) Set(key, value string) {
	if s.Data == nil {
		s.Data = map[string]string{}
	}
	s.Data[key] = value
}

// Forget removes keys from the data.
func (s *Session) Forget(keys ...string) {
	for _, k := range keys {
		delete(s.Data, k)
	}
}

// RedisStore keeps sessions under sess:{id} and indexes them per user in
// the set user_sess:{userID}.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func sessionKey(id string) string { return "sess:" + id }

func userKey(userID int64) string { return "user_sess:" + strconv.FormatInt(userID, 10) }

// Create starts a session for userID.
func (s *RedisStore) Create(ctx context.Context, userID int64, ip, userAgent string) (*Session, error) {
	secret, err := ids.Secret(32)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &Session{
		ID:        secret,
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.write(ctx, sess, s.ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a live session.
func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// saveScript rewrites an existing session and refreshes the user index.
// A session deleted meanwhile (logout, purge) is not recreated.
var saveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
return 1
`)

// Save writes sess back, keeping its original expiry. It returns
// ErrNotFound when the session expired or was deleted since it was loaded.
func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return ErrNotFound
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	n, err := saveScript.Run(ctx, s.rdb,
		[]string{sessionKey(sess.ID), userKey(sess.UserID)},
		raw, max(ttl.Milliseconds(), 1), sess.ID, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) write(ctx context.Context, sess *Session, ttl time.Duration) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sess.ID), raw, ttl)
	pipe.SAdd(ctx, userKey(sess.UserID), sess.ID)
	pipe.Expire(ctx, userKey(sess.UserID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Delete removes one session.
func (s *RedisStore) Delete(ctx context.Context, sess *Session) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(sess.ID))
	pipe.SRem(ctx, userKey(sess.UserID), sess.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListIDs returns the session ids indexed for userID, dropping ids whose
// session already expired.
func (s *RedisStore) ListIDs(ctx context.Context, userID int64) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var live []string
	for _, id := range members {
		n, err := s.rdb.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.rdb.SRem(ctx, userKey(userID), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// PurgeUser deletes every session of userID except keep and returns how
// many were removed.
func (s *RedisStore) PurgeUser(ctx context.Context, userID int64, keep string) (int, error) {
	members, err := s.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	var victims []string
	for _, id := range members {
		if id != keep {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	keys := make([]string, len(victims))
	setMembers := make([]any, len(victims))
	for i, id := range victims {
		keys[i] = sessionKey(id)
		setMembers[i] = id
	}
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.SRem(ctx, userKey(userID), setMembers...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(del.Val()), nil
}
