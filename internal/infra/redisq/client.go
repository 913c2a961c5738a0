package redisq

import (
	"cequeue/internal/config"
	"cequeue/internal/domain"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{Cfg: cfg, Rdb: c}
}

// Connect checks that redis answers before the store is handed out.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis connection failed: %v", domain.ErrStoreUnavailable, err)
	}
	log.Ctx(ctx).Info().
		Str("addr", c.Cfg.Addr).
		Str("prefix", c.prefix()).
		Msg("connected to redis")
	return nil
}

func (c *Client) Close() error {
	return c.Rdb.Close()
}

// prefix is wrapped in a hash tag so that every key of the store maps to the
// same cluster slot and the scripts below can run on Redis Cluster.
func (c *Client) prefix() string {
	p := c.Cfg.KeyPrefix
	if p == "" {
		p = "ce"
	}
	return "{" + p + "}"
}

func (c *Client) seqKey() string        { return c.prefix() + ":seq" }
func (c *Client) pendingKey() string    { return c.prefix() + ":pending" }
func (c *Client) inProgressKey() string { return c.prefix() + ":in_progress" }
func (c *Client) componentsKey() string { return c.prefix() + ":components" }
func (c *Client) activityKey() string   { return c.prefix() + ":activity" }
func (c *Client) taskKeyPrefix() string { return c.prefix() + ":task:" }
func (c *Client) taskKey(uuid string) string {
	return c.taskKeyPrefix() + uuid
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func parseMs(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(v), true
}
