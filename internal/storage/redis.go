package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chime/internal/notification"
	logx "chime/pkg/logx"
)

const defaultRedisPrefix = "chime"

// redisStore keeps active records in a hash (id -> JSON) with a sorted-set
// index scored by FireAt, and terminal records in a capped list.
type redisStore struct {
	client *goredis.Client
	log    logx.Logger

	activeKey  string
	dueKey     string
	historyKey string
	limit      int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opts, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return newRedisStore(client, cfg.Path, historyLimit(cfg), log), nil
}

// newRedisStore wraps an existing client. prefix namespaces the keys;
// empty means "chime".
func newRedisStore(client *goredis.Client, prefix string, limit int, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{
		client:     client,
		log:        log,
		activeKey:  prefix + ":active",
		dueKey:     prefix + ":due",
		historyKey: prefix + ":history",
		limit:      limit,
	}
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) SaveRecord(ctx context.Context, r notification.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, s.activeKey, r.ID, b)
		p.ZAdd(ctx, s.dueKey, goredis.Z{Score: float64(r.FireAt.UnixMilli()), Member: r.ID})
		return nil
	})
	return err
}

func (s *redisStore) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HDel(ctx, s.activeKey, id)
		p.ZRem(ctx, s.dueKey, id)
		return nil
	})
	return err
}

func (s *redisStore) AppendHistory(ctx context.Context, r notification.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.RPush(ctx, s.historyKey, b)
		p.LTrim(ctx, s.historyKey, int64(-s.limit), -1)
		return nil
	})
	return err
}

func (s *redisStore) LoadActive(ctx context.Context) ([]notification.Record, error) {
	ids, err := s.client.ZRange(ctx, s.dueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.activeKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]notification.Record, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record; a crash between HDEL and ZREM.
			s.log.Debug("dangling due index entry", logx.String("id", ids[i]))
			continue
		}
		var r notification.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			s.log.Warn("skipping undecodable record", logx.String("id", ids[i]), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	sortActive(out)
	return out, nil
}

func (s *redisStore) RecentHistory(ctx context.Context, limit int) ([]notification.Record, error) {
	if limit <= 0 {
		limit = s.limit
	}
	vals, err := s.client.LRange(ctx, s.historyKey, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]notification.Record, 0, len(vals))
	for _, raw := range vals {
		var r notification.Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return slices.Clip(out), nil
}
