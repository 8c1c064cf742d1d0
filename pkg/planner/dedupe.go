package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
)

// seenSet remembers normalized emails. It keeps up to limit entries in
// memory and spills further entries to a temporary SQLite file.
type seenSet struct {
	mem   map[string]struct{}
	limit int
	dir   string

	spill     *jobstore.Store
	spillPath string
}

func newSeenSet(limit int, dir string) *seenSet {
	if limit <= 0 {
		limit = 1
	}
	return &seenSet{mem: make(map[string]struct{}), limit: limit, dir: dir}
}

// Add records email and reports whether it was new.
func (s *seenSet) Add(ctx context.Context, email string) (bool, error) {
	if _, ok := s.mem[email]; ok {
		return false, nil
	}
	if s.spill == nil && len(s.mem) < s.limit {
		s.mem[email] = struct{}{}
		return true, nil
	}
	if s.spill == nil {
		if err := s.openSpill(ctx); err != nil {
			return false, err
		}
	}

	res, err := s.spill.DB().ExecContext(ctx, s.spill.Rebind(`INSERT INTO seen (email) VALUES (?) ON CONFLICT(email) DO NOTHING`), email)
	if err != nil {
		return false, fmt.Errorf("dedupe spill insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe spill insert: %w", err)
	}
	return n == 1, nil
}

// Spilled reports whether the set overflowed to disk.
func (s *seenSet) Spilled() bool { return s.spill != nil }

func (s *seenSet) openSpill(ctx context.Context) error {
	f, err := os.CreateTemp(s.dir, "verifier-dedupe-*.db")
	if err != nil {
		return fmt.Errorf("create dedupe spill: %w", err)
	}
	path := f.Name()
	_ = f.Close()

	st, err := jobstore.Open(ctx, jobstore.Config{Path: path})
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("open dedupe spill: %w", err)
	}
	if _, err := st.DB().ExecContext(ctx, `CREATE TABLE IF NOT EXISTS seen (email TEXT PRIMARY KEY)`); err != nil {
		_ = st.Close()
		_ = os.Remove(path)
		return fmt.Errorf("create dedupe spill table: %w", err)
	}
	s.spill = st
	s.spillPath = path
	return nil
}

// Close releases the spill file, if any.
func (s *seenSet) Close() error {
	if s.spill == nil {
		return nil
	}
	err := s.spill.Close()
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(s.spillPath + suffix)
	}
	s.spill = nil
	return err
}

func spillDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return filepath.Clean(dir)
}
