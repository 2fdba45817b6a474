package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "prober"

// Client wraps the Redis operations used to share run progress.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL         string        `yaml:"url"`
	Password    string        `yaml:"password"`
	ProgressTTL time.Duration `yaml:"progress_ttl"`
}

// Enabled reports whether a Redis URL was configured.
func (c Config) Enabled() bool { return c.URL != "" }

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func runsKey() string {
	return keyPrefix + ":runs"
}

func runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", keyPrefix, runID)
}

func progressChannel(runID string) string {
	return fmt.Sprintf("%s:progress:%s", keyPrefix, runID)
}

func eventField(kind string) string {
	return "events:" + kind
}

// RunStatus is the last published state of a run.
type RunStatus struct {
	RunID     string
	State     string
	StartedAt time.Time
	Fields    map[string]string
}

// RegisterRun records a new run, scored by its start time.
func (c *Client) RegisterRun(ctx context.Context, runID string, startedAt time.Time, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, runsKey(), redis.Z{Score: float64(startedAt.Unix()), Member: runID})
	pipe.HSet(ctx, runKey(runID), "state", "running", "started_at", startedAt.Format(time.RFC3339))
	if ttl > 0 {
		pipe.Expire(ctx, runKey(runID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	return nil
}

// FinishRun marks a run as ended with the given state and summary fields.
func (c *Client) FinishRun(ctx context.Context, runID, state string, fields map[string]any) error {
	values := []any{"state", state, "finished_at", time.Now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := c.rdb.HSet(ctx, runKey(runID), values...).Err(); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecentRuns returns up to n runs, newest first.
func (c *Client) RecentRuns(ctx context.Context, n int64) ([]RunStatus, error) {
	ids, err := c.rdb.ZRevRangeWithScores(ctx, runsKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	out := make([]RunStatus, 0, len(ids))
	for _, z := range ids {
		runID, _ := z.Member.(string)
		fields, err := c.rdb.HGetAll(ctx, runKey(runID)).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall failed: %w", err)
		}
		if len(fields) == 0 {
			// Hash expired but the run is still indexed.
			c.rdb.ZRem(ctx, runsKey(), runID)
			continue
		}
		out = append(out, RunStatus{
			RunID:     runID,
			State:     fields["state"],
			StartedAt: time.Unix(int64(z.Score), 0).UTC(),
			Fields:    fields,
		})
	}
	return out, nil
}

// Int reads an integer field, returning 0 when absent or malformed.
func (s RunStatus) Int(field string) int64 {
	v, err := strconv.ParseInt(s.Fields[field], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
