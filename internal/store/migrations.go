package store

import (
	"time"

	"gorm.io/gorm"
)

// migrationRecord is a single row in the migrations table: one per applied
// migration id, in ascending order, per the startup contract.
type migrationRecord struct {
	ID        int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (migrationRecord) TableName() string { return "migrations" }

type migration struct {
	ID    int
	Apply func(*gorm.DB) error
}

var migrations = []migration{
	{
		ID: 1,
		Apply: func(db *gorm.DB) error {
			return db.AutoMigrate(&Peer{}, &ProviderSession{}, &Metric{}, &BrokerSession{}, &IPMessage{})
		},
	},
	{
		// A provider may have at most one open session; enforced with a
		// partial unique index rather than application logic so a crashed
		// writer can never leave two open rows behind.
		ID: 2,
		Apply: func(db *gorm.DB) error {
			return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_sessions_open ON provider_sessions(peer_key) WHERE end_time IS NULL`).Error
		},
	},
}

func applyMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return wrapf(err, "create migrations table")
	}

	for _, m := range migrations {
		var count int64
		if err := db.Model(&migrationRecord{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return wrapf(err, "check migration %d", m.ID)
		}
		if count > 0 {
			continue
		}
		if err := m.Apply(db); err != nil {
			return wrapf(err, "apply migration %d", m.ID)
		}
		if err := db.Create(&migrationRecord{ID: m.ID, AppliedAt: time.Now()}).Error; err != nil {
			return wrapf(err, "record migration %d", m.ID)
		}
	}

	return nil
}
