package sqlite

import (
	"context"
	"strings"
	"time"
)

func (s *Store) touch(ctx context.Context, key, query, id string) error {
	now := time.Now().UTC()
	if !s.reserveTouch(key, now) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, query, now, id)
	if err != nil {
		s.rollbackTouch(key, now)
	}
	return err
}

func (s *Store) reserveTouch(key string, now time.Time) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastTouch[key]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastTouch[key] = now
	return true
}

func (s *Store) rollbackTouch(key string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastTouch[key]; ok && last.Equal(reservedAt) {
		delete(s.lastTouch, key)
	}
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for key, last := range s.lastTouch {
		if last.Before(cutoff) {
			delete(s.lastTouch, key)
		}
	}
}
