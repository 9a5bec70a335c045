package optimizer

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// History stores actual cost samples per operation. Samples feed prediction
// confidence and the optional ML refinement.
type History interface {
	Record(ctx context.Context, operation string, cost float64) error
	Samples(ctx context.Context, operation string) ([]float64, error)
	Average(ctx context.Context, operation string) (float64, bool, error)
}

const historyLimit = 500

// MemoryHistory keeps a bounded per-operation ring of samples. It is the
// default when Redis is not configured.
type MemoryHistory struct {
	mu      sync.Mutex
	samples map[string][]float64
}

// NewMemoryHistory returns an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{samples: make(map[string][]float64)}
}

func (h *MemoryHistory) Record(_ context.Context, operation string, cost float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.samples[operation], cost)
	if len(ring) > historyLimit {
		ring = ring[len(ring)-historyLimit:]
	}
	h.samples[operation] = ring
	return nil
}

func (h *MemoryHistory) Samples(_ context.Context, operation string) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, len(h.samples[operation]))
	copy(out, h.samples[operation])
	return out, nil
}

func (h *MemoryHistory) Average(ctx context.Context, operation string) (float64, bool, error) {
	samples, err := h.Samples(ctx, operation)
	if err != nil || len(samples) == 0 {
		return 0, false, err
	}
	return mean(samples), true, nil
}

// RedisHistory shares cost samples across daemon restarts and hosts. Samples
// live in a capped list keyed showrunner:cost:<operation>.
type RedisHistory struct {
	client *redis.Client
}

// NewRedisHistory wraps an existing client.
func NewRedisHistory(client *redis.Client) *RedisHistory {
	return &RedisHistory{client: client}
}

func historyKey(operation string) string {
	return "showrunner:cost:" + operation
}

func (h *RedisHistory) Record(ctx context.Context, operation string, cost float64) error {
	key := historyKey(operation)
	pipe := h.client.TxPipeline()
	pipe.LPush(ctx, key, strconv.FormatFloat(cost, 'f', -1, 64))
	pipe.LTrim(ctx, key, 0, historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record cost sample for %s: %w", operation, err)
	}
	return nil
}

func (h *RedisHistory) Samples(ctx context.Context, operation string) ([]float64, error) {
	raw, err := h.client.LRange(ctx, historyKey(operation), 0, historyLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read cost samples for %s: %w", operation, err)
	}
	out := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue // skip corrupt entries rather than failing the read
		}
		out = append(out, v)
	}
	return out, nil
}

func (h *RedisHistory) Average(ctx context.Context, operation string) (float64, bool, error) {
	samples, err := h.Samples(ctx, operation)
	if err != nil || len(samples) == 0 {
		return 0, false, err
	}
	return mean(samples), true, nil
}

func mean(samples []float64) float64 {
	total := 0.0
	for _, s := range samples {
		total += s
	}
	return total / float64(len(samples))
}
