package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Metric counters and gauges live in flat Redis keys so every process
// (engine, CLI status command) reads the same numbers. Counters are
// INCRBYFLOAT, gauges are plain SET.

// IncrMetric adds delta to a monotonic counter.
func (c *Client) IncrMetric(ctx context.Context, name string, delta float64) error {
	if err := c.rdb.IncrByFloat(ctx, metricKey(name), delta).Err(); err != nil {
		return fmt.Errorf("incr metric %s: %w", name, err)
	}
	return nil
}

// SetMetric stores a last-write-wins gauge value.
func (c *Client) SetMetric(ctx context.Context, name string, value float64) error {
	if err := c.rdb.Set(ctx, metricKey(name), strconv.FormatFloat(value, 'f', -1, 64), 0).Err(); err != nil {
		return fmt.Errorf("set metric %s: %w", name, err)
	}
	return nil
}

// GetMetric reads one metric; missing metrics read as zero.
func (c *Client) GetMetric(ctx context.Context, name string) (float64, error) {
	val, err := c.rdb.Get(ctx, metricKey(name)).Result()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get metric %s: %w", name, err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse metric %s: %w", name, err)
	}
	return f, nil
}

// AllMetrics snapshots every metric key into a flat map.
func (c *Client) AllMetrics(ctx context.Context) (map[string]float64, error) {
	keys, err := c.rdb.Keys(ctx, metricKey("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	if len(keys) == 0 {
		return map[string]float64{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}

	out := make(map[string]float64, len(keys))
	for i, key := range keys {
		name := strings.TrimPrefix(key, "metric:")
		s, ok := vals[i].(string)
		if !ok {
			out[name] = 0
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			f = 0
		}
		out[name] = f
	}
	return out, nil
}
