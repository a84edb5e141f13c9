package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Peer is the durable record of a known provider.
type Peer struct {
	Key                   string `gorm:"primaryKey;size:64"`
	DiscoveryKey          string `gorm:"uniqueIndex;size:64"`
	ModelName             string `gorm:"index"`
	APIProvider           string
	Name                  string
	Website               string
	Public                bool
	DataCollectionEnabled bool
	ServerKey             string
	MaxConnections        int
	Connections           int
	Online                bool `gorm:"index"`
	Healthy               bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (Peer) TableName() string { return "peers" }

// PeerSummary joins a peer with its session/metric aggregates, for the
// stats feed.
type PeerSummary struct {
	Peer
	TotalSessions        int64
	TotalRequests        int64
	TotalTokensGenerated int64
}

// PeerStore is the C1 peer repository.
type PeerStore struct {
	db *gorm.DB
}

// Upsert inserts or replaces the row by key, always resetting online to
// true and refreshing updated_at. Current connection fan-out is preserved
// across an upsert; only UpdateConnections touches it.
func (ps *PeerStore) Upsert(ctx context.Context, p Peer) error {
	p.Online = true
	p.UpdatedAt = time.Now()
	return withRetry(func() error {
		return ps.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"discovery_key", "model_name", "api_provider", "name", "website",
				"public", "data_collection_enabled", "server_key",
				"max_connections", "online", "healthy", "updated_at",
			}),
		}).Create(&p).Error
	})
}

// SetOffline marks a peer offline.
func (ps *PeerStore) SetOffline(ctx context.Context, key string) error {
	return withRetry(func() error {
		return ps.db.WithContext(ctx).Model(&Peer{}).Where("key = ?", key).
			Updates(map[string]interface{}{"online": false, "updated_at": time.Now()}).Error
	})
}

// UpdateConnections records a provider's self-reported fan-out.
func (ps *PeerStore) UpdateConnections(ctx context.Context, key string, n int) error {
	return withRetry(func() error {
		return ps.db.WithContext(ctx).Model(&Peer{}).Where("key = ?", key).
			Updates(map[string]interface{}{"connections": n, "updated_at": time.Now()}).Error
	})
}

// SetHealthy records the outcome of a health-check cycle.
func (ps *PeerStore) SetHealthy(ctx context.Context, key string, healthy bool) error {
	return withRetry(func() error {
		return ps.db.WithContext(ctx).Model(&Peer{}).Where("key = ?", key).
			Update("healthy", healthy).Error
	})
}

// GetByKey looks up a peer by its remote public key. It returns
// gorm.ErrRecordNotFound if absent.
func (ps *PeerStore) GetByKey(ctx context.Context, key string) (*Peer, error) {
	var row Peer
	if err := ps.db.WithContext(ctx).Where("key = ?", key).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByDiscoveryKey looks up a peer by its advertised discovery key.
func (ps *PeerStore) GetByDiscoveryKey(ctx context.Context, discoveryKey string) (*Peer, error) {
	var row Peer
	if err := ps.db.WithContext(ctx).Where("discovery_key = ?", discoveryKey).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// GetRandom returns a uniformly random online peer serving modelName, or
// nil if none match.
func (ps *PeerStore) GetRandom(ctx context.Context, modelName string) (*Peer, error) {
	var row Peer
	err := ps.db.WithContext(ctx).
		Where("online = ? AND model_name = ?", true, modelName).
		Order("RANDOM()").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ResetAllConnections marks every peer offline with zero connections. Called
// once at startup so a hub restart never leaves stale online rows behind.
func (ps *PeerStore) ResetAllConnections(ctx context.Context) error {
	return withRetry(func() error {
		return ps.db.WithContext(ctx).Model(&Peer{}).Where("1 = 1").
			Updates(map[string]interface{}{"online": false, "connections": 0}).Error
	})
}

// GetAll returns every peer joined with its session and metric aggregates.
func (ps *PeerStore) GetAll(ctx context.Context) ([]PeerSummary, error) {
	var rows []PeerSummary
	err := ps.db.WithContext(ctx).Table("peers").
		Select(`peers.*,
			(SELECT COUNT(*) FROM provider_sessions WHERE provider_sessions.peer_key = peers.key) AS total_sessions,
			(SELECT COALESCE(SUM(total_requests), 0) FROM provider_sessions WHERE provider_sessions.peer_key = peers.key) AS total_requests,
			(SELECT COALESCE(SUM(metrics.tokens_generated), 0) FROM metrics
				JOIN provider_sessions ps2 ON ps2.id = metrics.provider_session_id
				WHERE ps2.peer_key = peers.key) AS total_tokens_generated`).
		Scan(&rows).Error
	return rows, err
}

// Delete hard-deletes a peer row. Used by the admin CLI's delete-peer
// operation.
func (ps *PeerStore) Delete(ctx context.Context, key string) (bool, error) {
	tx := ps.db.WithContext(ctx).Delete(&Peer{}, "key = ?", key)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
