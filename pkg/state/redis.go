package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis/Valkey backed store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "radcore:",
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	}
}

// RedisStore is a Store on Redis. Records are JSON values; usage updates
// are optimistic WATCH/MULTI transactions so concurrent enforcers cannot
// overwrite each other.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	def := DefaultRedisConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Connected to Redis state store",
		zap.String("addr", cfg.Addr),
		zap.String("prefix", cfg.KeyPrefix),
	)

	return &RedisStore{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Close closes the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// --- Keys ---

func (r *RedisStore) sessionKey(id string) string { return r.prefix + "session:" + id }
func (r *RedisStore) userSessionsKey(u string) string { return r.prefix + "user:" + u + ":sessions" }
func (r *RedisStore) userActiveKey(u string) string { return r.prefix + "user:" + u + ":active" }
func (r *RedisStore) userUsageKey(u string) string { return r.prefix + "user:" + u + ":usage" }
func (r *RedisStore) userCoaKey(u string) string { return r.prefix + "user:" + u + ":coa" }
func (r *RedisStore) coaKey(id string) string { return r.prefix + "coa:" + id }

func (r *RedisStore) usageKey(u string, day time.Time) string {
	return r.prefix + "usage:" + u + ":" + DayOf(day).Format("2006-01-02")
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- Session Operations ---

// CreateSession creates a new session.
func (r *RedisStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now()
	}
	session.UpdatedAt = time.Now()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !created {
		return fmt.Errorf("session %s: %w", session.ID, ErrExists)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.userSessionsKey(session.Username), session.ID)
		if session.Status == SessionActive {
			p.Set(ctx, r.userActiveKey(session.Username), session.ID, 0)
		}
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, unavailable(err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, unavailable(err)
	}
	return &session, nil
}

// UpdateSession replaces an existing session.
func (r *RedisStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	updated, err := r.client.SetXX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !updated {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}

	activeKey := r.userActiveKey(session.Username)
	if session.Status == SessionActive {
		if err := r.client.Set(ctx, activeKey, session.ID, 0).Err(); err != nil {
			return unavailable(err)
		}
		return nil
	}

	// Drop the active pointer only if it still names this session
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != session.ID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, activeKey)
			return nil
		})
		return err
	}, activeKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return unavailable(err)
	}
	return nil
}

// ActiveSessionByUser returns the user's active session.
func (r *RedisStore) ActiveSessionByUser(ctx context.Context, username string) (*Session, error) {
	id, err := r.client.Get(ctx, r.userActiveKey(username)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("active session for %s: %w", username, ErrNotFound)
		}
		return nil, unavailable(err)
	}
	return r.GetSession(ctx, id)
}

// SessionsByUser returns all sessions of a user, oldest first.
func (r *RedisStore) SessionsByUser(ctx context.Context, username string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, r.userSessionsKey(username)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	sessions := make([]*Session, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var session Session
		if err := json.Unmarshal([]byte(s), &session); err != nil {
			return nil, unavailable(err)
		}
		sessions = append(sessions, &session)
	}
	sortSessions(sessions)
	return sessions, nil
}

// ActiveSessions returns every active session, oldest first. It walks the
// per-user active keys with SCAN.
func (r *RedisStore) ActiveSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	iter := r.client.Scan(ctx, 0, r.prefix+"user:*:active", 100).Iterator()
	for iter.Next(ctx) {
		id, err := r.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}

		session, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.Status == SessionActive {
			sessions = append(sessions, session)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}

	sortSessions(sessions)
	return sessions, nil
}

// SumUsageSince totals the octets the user's sessions carried since since.
func (r *RedisStore) SumUsageSince(ctx context.Context, username string, since time.Time) (uint64, error) {
	sessions, err := r.SessionsByUser(ctx, username)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, s := range sessions {
		total += s.OctetsSince(since)
	}
	return total, nil
}

// --- Usage Operations ---

// GetUsage returns the record for (username, day).
func (r *RedisStore) GetUsage(ctx context.Context, username string, day time.Time) (*UsageRecord, error) {
	return r.getUsage(ctx, r.usageKey(username, day))
}

func (r *RedisStore) getUsage(ctx context.Context, key string) (*UsageRecord, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("usage %s: %w", key, ErrNotFound)
		}
		return nil, unavailable(err)
	}

	var rec UsageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, unavailable(err)
	}
	return &rec, nil
}

// LatestUsage returns the user's most recent record.
func (r *RedisStore) LatestUsage(ctx context.Context, username string) (*UsageRecord, error) {
	days, err := r.client.ZRevRange(ctx, r.userUsageKey(username), 0, 0).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("usage for %s: %w", username, ErrNotFound)
	}

	day, err := time.Parse("2006-01-02", days[0])
	if err != nil {
		return nil, unavailable(err)
	}
	return r.GetUsage(ctx, username, day)
}

// CreateUsage inserts a new record.
func (r *RedisStore) CreateUsage(ctx context.Context, rec *UsageRecord) error {
	rec.Day = DayOf(rec.Day)
	rec.Version = 1
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode usage record: %w", err)
	}

	key := r.usageKey(rec.Username, rec.Day)
	created, err := r.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !created {
		return fmt.Errorf("usage %s: %w", key, ErrExists)
	}

	day := rec.Day.Format("2006-01-02")
	if err := r.client.ZAdd(ctx, r.userUsageKey(rec.Username), redis.Z{
		Score:  float64(rec.Day.Unix()),
		Member: day,
	}).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// UpdateUsage conditionally replaces a record.
func (r *RedisStore) UpdateUsage(ctx context.Context, rec *UsageRecord) error {
	key := r.usageKey(rec.Username, rec.Day)

	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = time.Now()

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("usage %s: %w", key, ErrNotFound)
			}
			return err
		}

		var current UsageRecord
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
		if current.Version != rec.Version {
			return fmt.Errorf("usage %s version %d, have %d: %w", key, current.Version, rec.Version, ErrConflict)
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		rec.Version = next.Version
		rec.UpdatedAt = next.UpdatedAt
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("usage %s: %w", key, ErrConflict)
	default:
		return unavailable(err)
	}
}

// --- CoA Log Operations ---

// CreateCoaRecord inserts a CoA audit row.
func (r *RedisStore) CreateCoaRecord(ctx context.Context, rec *CoaRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode coa record: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.coaKey(rec.ID), data, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !created {
		return fmt.Errorf("coa record %s: %w", rec.ID, ErrExists)
	}

	if err := r.client.ZAdd(ctx, r.userCoaKey(rec.Username), redis.Z{
		Score:  float64(rec.CreatedAt.UnixMicro()),
		Member: rec.ID,
	}).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// UpdateCoaRecord replaces a CoA audit row.
func (r *RedisStore) UpdateCoaRecord(ctx context.Context, rec *CoaRecord) error {
	rec.UpdatedAt = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode coa record: %w", err)
	}

	updated, err := r.client.SetXX(ctx, r.coaKey(rec.ID), data, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !updated {
		return fmt.Errorf("coa record %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// CoaRecordsByUser returns a user's CoA rows, oldest first.
func (r *RedisStore) CoaRecordsByUser(ctx context.Context, username string) ([]*CoaRecord, error) {
	ids, err := r.client.ZRange(ctx, r.userCoaKey(username), 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	records := make([]*CoaRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := r.client.Get(ctx, r.coaKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, unavailable(err)
		}
		var rec CoaRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, unavailable(err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

// Stats returns key counts for the store prefix.
func (r *RedisStore) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, kind := range []string{"session", "usage", "coa"} {
		var count int64
		iter := r.client.Scan(ctx, 0, r.prefix+kind+":*", 100).Iterator()
		for iter.Next(ctx) {
			count++
		}
		if err := iter.Err(); err != nil {
			return nil, unavailable(err)
		}
		stats[kind] = count
	}
	return stats, nil
}
