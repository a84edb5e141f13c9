package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/symmetry-network/hub/internal/wire"
)

// ProviderSession is the hub-side accounting record of one continuous peer
// connection. At most one row per peer_key has EndTime nil, enforced by a
// partial unique index.
type ProviderSession struct {
	ID              uint `gorm:"primaryKey"`
	PeerKey         string `gorm:"index"`
	StartTime       time.Time
	EndTime         *time.Time
	DurationMinutes int
	TotalRequests   int
}

func (ProviderSession) TableName() string { return "provider_sessions" }

// Metric is one completion checkpoint reported by a provider.
type Metric struct {
	ID                uint `gorm:"primaryKey"`
	ProviderSessionID uint `gorm:"index"`
	TokensGenerated   int64
	PromptTokens      int64
	TokensPerSecond   float64
	LatencyMS         int64
	Extra             string
	CreatedAt         time.Time
}

func (Metric) TableName() string { return "metrics" }

// Stats is the aggregate summary returned for the stats WebSocket feed.
type Stats struct {
	TotalSessions          int64
	ActiveSessions         int64
	TotalRequests          int64
	RequestsToday          int64
	AverageDurationMinutes float64
	TotalDurationMinutes   int64
}

// ProviderSessionStore is the C3 provider-session/metrics repository.
type ProviderSessionStore struct {
	db *gorm.DB
}

// Start opens a new session row for peerKey. Called once per peer
// connection, not once per request.
func (pss *ProviderSessionStore) Start(ctx context.Context, peerKey string) (uint, error) {
	row := ProviderSession{PeerKey: peerKey, StartTime: time.Now()}
	if err := withRetry(func() error { return pss.db.WithContext(ctx).Create(&row).Error }); err != nil {
		return 0, err
	}
	return row.ID, nil
}

// UpdateDuration sets duration_minutes on peerKey's open row to the whole
// minutes elapsed since it started.
func (pss *ProviderSessionStore) UpdateDuration(ctx context.Context, peerKey string) error {
	var row ProviderSession
	err := pss.db.WithContext(ctx).Where("peer_key = ? AND end_time IS NULL", peerKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	minutes := int(time.Since(row.StartTime).Minutes())
	return withRetry(func() error {
		return pss.db.WithContext(ctx).Model(&ProviderSession{}).Where("id = ?", row.ID).
			Update("duration_minutes", minutes).Error
	})
}

// End closes peerKey's single open session row, if any.
func (pss *ProviderSessionStore) End(ctx context.Context, peerKey string) error {
	now := time.Now()
	return withRetry(func() error {
		return pss.db.WithContext(ctx).Model(&ProviderSession{}).
			Where("peer_key = ? AND end_time IS NULL", peerKey).
			Update("end_time", now).Error
	})
}

// EndOrphans force-closes every row still open. Called once at startup: a
// hub restart never leaves in-memory connection state to reconcile.
func (pss *ProviderSessionStore) EndOrphans(ctx context.Context) error {
	now := time.Now()
	return withRetry(func() error {
		return pss.db.WithContext(ctx).Model(&ProviderSession{}).
			Where("end_time IS NULL").
			Update("end_time", now).Error
	})
}

// ActiveSessionID returns the id of peerKey's open session, if any.
func (pss *ProviderSessionStore) ActiveSessionID(ctx context.Context, peerKey string) (id uint, ok bool, err error) {
	var row ProviderSession
	ferr := pss.db.WithContext(ctx).Select("id").Where("peer_key = ? AND end_time IS NULL", peerKey).First(&row).Error
	if errors.Is(ferr, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if ferr != nil {
		return 0, false, ferr
	}
	return row.ID, true, nil
}

// AddMetrics appends a metrics row to sessionID. Fields the hub doesn't
// aggregate are preserved as a JSON blob.
func (pss *ProviderSessionStore) AddMetrics(ctx context.Context, sessionID uint, snap wire.MetricsSnapshot) error {
	var extra string
	if len(snap.Extra) > 0 {
		b, err := json.Marshal(snap.Extra)
		if err != nil {
			return wrapf(err, "marshal metrics extra")
		}
		extra = string(b)
	}

	row := Metric{
		ProviderSessionID: sessionID,
		TokensGenerated:   snap.TokensGenerated,
		PromptTokens:      snap.PromptTokens,
		TokensPerSecond:   snap.TokensPerSecond,
		LatencyMS:         snap.LatencyMS,
		Extra:             extra,
		CreatedAt:         time.Now(),
	}
	return withRetry(func() error { return pss.db.WithContext(ctx).Create(&row).Error })
}

// LogRequest increments total_requests on sessionID's row.
func (pss *ProviderSessionStore) LogRequest(ctx context.Context, sessionID uint) error {
	return withRetry(func() error {
		return pss.db.WithContext(ctx).Model(&ProviderSession{}).Where("id = ?", sessionID).
			UpdateColumn("total_requests", gorm.Expr("total_requests + 1")).Error
	})
}

// Stats returns aggregate session and request totals for the stats feed.
func (pss *ProviderSessionStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := pss.db.WithContext(ctx).Model(&ProviderSession{}).Count(&stats.TotalSessions).Error; err != nil {
		return stats, err
	}
	if err := pss.db.WithContext(ctx).Model(&ProviderSession{}).Where("end_time IS NULL").Count(&stats.ActiveSessions).Error; err != nil {
		return stats, err
	}
	if err := pss.db.WithContext(ctx).Model(&ProviderSession{}).
		Select("COALESCE(SUM(total_requests), 0)").Row().Scan(&stats.TotalRequests); err != nil {
		return stats, err
	}

	y, m, d := time.Now().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.Now().Location())
	if err := pss.db.WithContext(ctx).Model(&Metric{}).Where("created_at >= ?", dayStart).
		Count(&stats.RequestsToday).Error; err != nil {
		return stats, err
	}

	if err := pss.db.WithContext(ctx).Model(&ProviderSession{}).
		Select("COALESCE(AVG(duration_minutes), 0)").Row().Scan(&stats.AverageDurationMinutes); err != nil {
		return stats, err
	}
	if err := pss.db.WithContext(ctx).Model(&ProviderSession{}).
		Select("COALESCE(SUM(duration_minutes), 0)").Row().Scan(&stats.TotalDurationMinutes); err != nil {
		return stats, err
	}

	return stats, nil
}
