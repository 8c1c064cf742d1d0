package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EngineServer is a remote verification engine known to the pipeline.
type EngineServer struct {
	ID         string
	Name       string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// UpsertEngineServer resolves an engine by its caller-supplied identity,
// creating it on first sight, and records last_seen_at.
func (s *Store) UpsertEngineServer(ctx context.Context, name string) (*EngineServer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("engine identity is required")
	}
	now := FormatTime(s.Now())

	if _, err := s.db.ExecContext(ctx, s.Rebind(`INSERT INTO engine_servers (id, name, created_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_seen_at = excluded.last_seen_at`),
		uuid.NewString(), name, now, now); err != nil {
		return nil, fmt.Errorf("upsert engine server: %w", err)
	}

	var (
		es                  EngineServer
		createdAt, lastSeen string
	)
	err := s.db.QueryRowContext(ctx, s.Rebind(`SELECT id, name, created_at, last_seen_at FROM engine_servers WHERE name = ?`), name).
		Scan(&es.ID, &es.Name, &createdAt, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("read engine server: %w", err)
	}
	if es.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if es.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	return &es, nil
}
