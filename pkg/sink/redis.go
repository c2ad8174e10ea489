package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends each table to a Redis stream named prefix + table name.
type RedisSink struct {
	redis  *redis.Client
	prefix string
	tables map[string]TableConfig
}

// NewRedisSink creates a sink over an existing client. Tables maps the
// logical table name to its configuration.
func NewRedisSink(redisClient *redis.Client, prefix string, tables map[string]TableConfig) *RedisSink {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisSink{
		redis:  redisClient,
		prefix: prefix,
		tables: tables,
	}
}

// StreamKey returns the stream backing a table.
func (s *RedisSink) StreamKey(table string) (string, error) {
	cfg, ok := s.tables[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	name := cfg.Name
	if name == "" {
		name = table
	}
	return s.prefix + name, nil
}

// Append implements Sink. All rows are sent in one pipeline; the stream is
// trimmed to the table's row limit.
func (s *RedisSink) Append(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	key, err := s.StreamKey(table)
	if err != nil {
		return err
	}
	limit := s.tables[table].RowLimit

	pipe := s.redis.Pipeline()
	for _, r := range rows {
		values := make([]any, 0, 2*len(r))
		for _, k := range sortedKeys(r) {
			values = append(values, k, r[k])
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: limit,
			Values: values,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		sinkErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis xadd %s: %w", key, err)
	}

	rowsTotal.WithLabelValues("redis", table).Add(float64(len(rows)))
	return nil
}

// Tail returns up to n most recent rows of a table, newest first.
func (s *RedisSink) Tail(ctx context.Context, table string, n int64) ([]Row, error) {
	key, err := s.StreamKey(table)
	if err != nil {
		return nil, err
	}
	msgs, err := s.redis.XRevRangeN(ctx, key, "+", "-", n).Result()
	if err != nil {
		sinkErrors.WithLabelValues("redis").Inc()
		return nil, fmt.Errorf("redis xrevrange %s: %w", key, err)
	}
	rows := make([]Row, 0, len(msgs))
	for _, m := range msgs {
		r := make(Row, len(m.Values))
		for k, v := range m.Values {
			r[k] = fmt.Sprint(v)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Len returns the number of stored rows of a table.
func (s *RedisSink) Len(ctx context.Context, table string) (int64, error) {
	key, err := s.StreamKey(table)
	if err != nil {
		return 0, err
	}
	return s.redis.XLen(ctx, key).Result()
}
