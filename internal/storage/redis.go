package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix    = "chat:session:"
	checkpointPrefix = "chat:checkpoint:"
	userIndexPrefix  = "chat:user:"
	deletedIndexKey  = "chat:sessions:deleted"

	maxTxRetries = 3
)

// RedisStore implements Store on Redis hashes and sorted-set indexes.
//
//	chat:session:{id}          hash with the session record
//	chat:user:{uid}:sessions   zset of session ids scored by updated_at (ms)
//	chat:sessions:deleted      zset of soft-deleted ids scored by deleted_at (ms)
//	chat:checkpoint:{id}       hash with the latest checkpoint
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, opts Options) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client, opts: opts}, nil
}

func (r *RedisStore) sessionKey(sessionID string) string {
	return sessionPrefix + sessionID
}

func (r *RedisStore) checkpointKey(sessionID string) string {
	return checkpointPrefix + sessionID
}

func (r *RedisStore) userKey(userID string) string {
	return userIndexPrefix + userID + ":sessions"
}

func (r *RedisStore) CreateSession(ctx context.Context, sessionID, userID, title string) (*Session, error) {
	if err := validateIDs(sessionID, userID); err != nil {
		return nil, err
	}

	now := r.opts.now()
	session := &Session{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Title:     TitleFromMessage(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := r.sessionKey(sessionID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrSessionConflict, sessionID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, sessionFields(session))
			pipe.ZAdd(ctx, r.userKey(userID), redis.Z{Score: millis(now), Member: sessionID})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: %s", ErrSessionConflict, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (r *RedisStore) GetSession(ctx context.Context, sessionID string, includeDeleted bool) (*Session, error) {
	session, err := r.load(ctx, r.client, sessionID)
	if err != nil {
		return nil, err
	}
	if session.IsDeleted && !includeDeleted {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (r *RedisStore) ListSessions(ctx context.Context, userID string, includeDeleted bool) ([]*Session, error) {
	ids, err := r.client.ZRevRange(ctx, r.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	result := make([]*Session, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index entry left behind by a purge racing with this read
			continue
		}
		session, err := parseSession(fields)
		if err != nil {
			return nil, err
		}
		if session.IsDeleted && !includeDeleted {
			continue
		}
		result = append(result, session)
	}
	return result, nil
}

func (r *RedisStore) UpdateTitle(ctx context.Context, sessionID, title string) (*Session, error) {
	session, err := r.GetSession(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}

	now := r.opts.now()
	session.Title = TitleFromMessage(title)
	session.UpdatedAt = now

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.sessionKey(sessionID), "title", session.Title, "updated_at", millis(now))
		pipe.ZAdd(ctx, r.userKey(session.UserID), redis.Z{Score: millis(now), Member: sessionID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update title: %w", err)
	}
	return session, nil
}

func (r *RedisStore) TouchSession(ctx context.Context, sessionID string) error {
	key := r.sessionKey(sessionID)
	touch := func(tx *redis.Tx) error {
		// the session hash is re-read inside the watch so a purge is never resurrected
		session, err := r.load(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		now := r.opts.now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "updated_at", millis(now))
			pipe.ZAdd(ctx, r.userKey(session.UserID), redis.Z{Score: millis(now), Member: sessionID})
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = r.client.Watch(ctx, touch, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (r *RedisStore) SoftDelete(ctx context.Context, sessionID string) (bool, error) {
	return r.setDeleted(ctx, sessionID, true)
}

func (r *RedisStore) Restore(ctx context.Context, sessionID string) (bool, error) {
	return r.setDeleted(ctx, sessionID, false)
}

func (r *RedisStore) setDeleted(ctx context.Context, sessionID string, deleted bool) (bool, error) {
	key := r.sessionKey(sessionID)
	changed := false

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		session, err := r.load(ctx, tx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if session.IsDeleted == deleted {
			return nil
		}

		now := r.opts.now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if deleted {
				pipe.HSet(ctx, key, "is_deleted", "1", "deleted_at", millis(now), "updated_at", millis(now))
				pipe.ZAdd(ctx, deletedIndexKey, redis.Z{Score: millis(now), Member: sessionID})
			} else {
				pipe.HSet(ctx, key, "is_deleted", "0", "updated_at", millis(now))
				pipe.HDel(ctx, key, "deleted_at")
				pipe.ZRem(ctx, deletedIndexKey, sessionID)
			}
			pipe.ZAdd(ctx, r.userKey(session.UserID), redis.Z{Score: millis(now), Member: sessionID})
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("failed to update deletion state: %w", err)
	}
	return changed, nil
}

func (r *RedisStore) Purge(ctx context.Context, sessionID string) (bool, error) {
	session, err := r.load(ctx, r.client, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// still drop a checkpoint that may have outlived its session
		r.client.Del(ctx, r.checkpointKey(sessionID))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID), r.checkpointKey(sessionID))
		pipe.ZRem(ctx, r.userKey(session.UserID), sessionID)
		pipe.ZRem(ctx, deletedIndexKey, sessionID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to purge session: %w", err)
	}
	return true, nil
}

func (r *RedisStore) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	limit := cutoff(r.opts.now(), maxAgeDays)
	ids, err := r.client.ZRangeByScore(ctx, deletedIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(limit.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan deleted sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		purged, err := r.Purge(ctx, id)
		if err != nil {
			return removed, err
		}
		if purged {
			removed++
		} else {
			r.client.ZRem(ctx, deletedIndexKey, id)
		}
	}
	return removed, nil
}

func (r *RedisStore) SaveCheckpoint(ctx context.Context, sessionID string, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	key := r.checkpointKey(sessionID)
	sessionKey := r.sessionKey(sessionID)
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.opts.now()
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, sessionKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		latest, err := tx.HGet(ctx, key, "step").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && cp.Step <= latest {
			return fmt.Errorf("%w: step %d <= %d", ErrStaleCheckpoint, cp.Step, latest)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"step", cp.Step,
				"thread_id", cp.ThreadID,
				"pending", cp.Pending,
				"state", cp.State,
				"created_at", millis(createdAt),
			)
			return nil
		})
		return err
	}, key, sessionKey)
	if errors.Is(err, redis.TxFailedErr) {
		return r.checkpointConflict(ctx, sessionID)
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrStaleCheckpoint) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// checkpointConflict reports why a watched checkpoint write was aborted: the
// session was purged underneath it, or another writer got there first.
func (r *RedisStore) checkpointConflict(ctx context.Context, sessionID string) error {
	exists, err := r.client.Exists(ctx, r.sessionKey(sessionID)).Result()
	if err == nil && exists == 0 {
		return fmt.Errorf("%w: %s purged during checkpoint write", ErrSessionNotFound, sessionID)
	}
	return fmt.Errorf("%w: concurrent checkpoint write for %s", ErrStaleCheckpoint, sessionID)
}

func (r *RedisStore) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	fields, err := r.client.HGetAll(ctx, r.checkpointKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	step, err := strconv.ParseInt(fields["step"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint step for %s: %w", sessionID, err)
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	return &Checkpoint{
		SessionID: sessionID,
		ThreadID:  fields["thread_id"],
		Step:      step,
		Pending:   fields["pending"],
		State:     []byte(fields["state"]),
		CreatedAt: time.UnixMilli(createdAt).UTC(),
	}, nil
}

// Ping tests the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) load(ctx context.Context, c redis.Cmdable, sessionID string) (*Session, error) {
	fields, err := c.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session data: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return parseSession(fields)
}

func sessionFields(s *Session) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"session_id": s.SessionID,
		"user_id":    s.UserID,
		"title":      s.Title,
		"is_deleted": "0",
		"created_at": millis(s.CreatedAt),
		"updated_at": millis(s.UpdatedAt),
	}
}

func parseSession(fields map[string]string) (*Session, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %q: %w", fields["session_id"], err)
	}
	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record %q: %w", fields["session_id"], err)
	}

	session := &Session{
		ID:        fields["id"],
		SessionID: fields["session_id"],
		UserID:    fields["user_id"],
		Title:     fields["title"],
		IsDeleted: fields["is_deleted"] == "1",
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}
	if raw, ok := fields["deleted_at"]; ok && raw != "" {
		deletedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt session record %q: %w", session.SessionID, err)
		}
		t := time.UnixMilli(deletedAt).UTC()
		session.DeletedAt = &t
	}
	return session, nil
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}
