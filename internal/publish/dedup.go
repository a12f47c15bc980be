package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/provsync/internal/message"
)

// DefaultDedupTTL is how long a published tag suppresses repeats.
const DefaultDedupTTL = 24 * time.Hour

// Deduper remembers message tags.
type Deduper interface {
	// Claim records tag and reports whether it was not already present.
	Claim(ctx context.Context, tag string) (bool, error)
	// Release forgets tag so a failed publish can be retried.
	Release(ctx context.Context, tag string) error
}

// ConnectRedis returns a client for a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisDeduper keeps tags as expiring redis keys.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper over client. ttl <= 0 uses DefaultDedupTTL.
func NewRedisDeduper(client redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, tag string) (bool, error) {
	ok, err := d.client.SetNX(ctx, dedupKey(tag), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim tag %s: %w", tag, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, tag string) error {
	if err := d.client.Del(ctx, dedupKey(tag)).Err(); err != nil {
		return fmt.Errorf("release tag %s: %w", tag, err)
	}
	return nil
}

func dedupKey(tag string) string {
	return "provsync:dedup:" + tag
}

// MemoryDeduper is an in-process Deduper for single-instance use and tests.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryDeduper creates a deduper. ttl <= 0 uses DefaultDedupTTL;
// now nil uses time.Now.
func NewMemoryDeduper(ttl time.Duration, now func() time.Time) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: now}
}

func (d *MemoryDeduper) Claim(_ context.Context, tag string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expires, ok := d.seen[tag]; ok && now.Before(expires) {
		return false, nil
	}
	d.seen[tag] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, tag)
	return nil
}

// DedupPublisher drops messages whose tag was already published.
type DedupPublisher struct {
	next   Publisher
	dedup  Deduper
	logger *slog.Logger
}

// NewDedupPublisher wraps next. logger nil uses slog.Default().
func NewDedupPublisher(next Publisher, dedup Deduper, logger *slog.Logger) *DedupPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DedupPublisher{
		next:   next,
		dedup:  dedup,
		logger: logger.With("module", "publish.dedup"),
	}
}

// Publish forwards m unless its tag is already claimed. Duplicates return nil.
// A failed forward releases the tag.
func (p *DedupPublisher) Publish(ctx context.Context, m message.Message) error {
	_, err := p.PublishOnce(ctx, m)
	return err
}

// PublishOnce is Publish that also reports whether m was forwarded.
func (p *DedupPublisher) PublishOnce(ctx context.Context, m message.Message) (bool, error) {
	tag := m.Tag()
	first, err := p.dedup.Claim(ctx, tag)
	if err != nil {
		return false, err
	}
	if !first {
		p.logger.DebugContext(ctx, "duplicate suppressed",
			"operation", "publish",
			"outcome", "duplicate",
			"tag", tag,
		)
		return false, nil
	}

	if err := p.next.Publish(ctx, m); err != nil {
		if relErr := p.dedup.Release(context.WithoutCancel(ctx), tag); relErr != nil {
			p.logger.ErrorContext(ctx, "release tag failed",
				"operation", "publish",
				"outcome", "failure",
				"tag", tag,
				"error", relErr,
			)
		}
		return false, err
	}
	p.logger.DebugContext(ctx, "message published",
		"operation", "publish",
		"outcome", "success",
		"tag", tag,
		"kind", m.Kind(),
	)
	return true, nil
}
