// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"exec-runtime/internal/exec/event"
)

// Schema exec_frames 表；(handle_id, sequence) 唯一，重复写入忽略
const Schema = `
CREATE TABLE IF NOT EXISTS exec_frames (
    handle_id      TEXT        NOT NULL,
    sequence       BIGINT      NOT NULL,
    correlation_id TEXT        NOT NULL,
    type           TEXT        NOT NULL,
    attempt        INT         NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    event          JSONB       NOT NULL,
    PRIMARY KEY (handle_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_exec_frames_correlation ON exec_frames (correlation_id);
`

// PostgresSink 把帧写入 PostgreSQL
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink 连接数据库并确保表存在
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresSink{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema 创建表与索引（幂等）
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// WriteFrames 实现 Sink，一批帧在一次 round trip 内写入
func (s *PostgresSink) WriteFrames(ctx context.Context, handleID string, frames []event.ExecFrame) error {
	if len(frames) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range frames {
		data, err := json.Marshal(f.Event)
		if err != nil {
			return fmt.Errorf("marshal frame %d: %w", f.Sequence, err)
		}
		batch.Queue(
			`INSERT INTO exec_frames (handle_id, sequence, correlation_id, type, attempt, ts, event)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
			 ON CONFLICT (handle_id, sequence) DO NOTHING`,
			handleID, f.Sequence, f.Event.CorrelationID, string(f.Event.Type), f.Event.Attempt, f.Timestamp, string(data),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// Done 实现 Sink；每批已即时提交，无需处理
func (s *PostgresSink) Done(ctx context.Context, handleID string) error { return nil }

// Load 按序号读回句柄的帧
func (s *PostgresSink) Load(ctx context.Context, handleID string) ([]event.ExecFrame, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, ts, event FROM exec_frames WHERE handle_id = $1 ORDER BY sequence`,
		handleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []event.ExecFrame
	for rows.Next() {
		var f event.ExecFrame
		var data []byte
		if err := rows.Scan(&f.Sequence, &f.Timestamp, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &f.Event); err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", f.Sequence, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close 关闭连接池
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
