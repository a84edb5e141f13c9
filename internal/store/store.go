// Package store implements the hub's persistent state: peers, broker
// sessions, provider sessions and their metrics, and per-IP rate-limit
// counters. It is backed by gorm over sqlite or postgres, matching the
// driver split the tracker's own database backend used.
package store

import (
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the database handle and hands out repositories scoped to a
// single table family.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn, picking the postgres driver for a postgres://
// connection string and sqlite otherwise, then applies any pending
// migrations.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, wrapf(err, "open %s", dsn)
	}

	if err := applyMigrations(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Peers returns the peer repository (C1).
func (s *Store) Peers() *PeerStore { return &PeerStore{db: s.db} }

// Sessions returns the broker session repository (C2).
func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.db} }

// ProviderSessions returns the provider-session/metrics repository (C3).
func (s *Store) ProviderSessions() *ProviderSessionStore { return &ProviderSessionStore{db: s.db} }

// RateLimits returns the IP rate-limit repository (C4).
func (s *Store) RateLimits() *RateLimitStore { return &RateLimitStore{db: s.db} }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
