package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// brokerSessionTTL is the lifetime of a broker session; extend pushes the
// deadline out by the same amount.
const brokerSessionTTL = 10 * time.Minute

// BrokerSession is a short-lived bearer token binding a consumer to a
// provider chosen by matchmaking.
type BrokerSession struct {
	ID                   string `gorm:"primaryKey;size:36"`
	ProviderDiscoveryKey string `gorm:"index"`
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

func (BrokerSession) TableName() string { return "sessions" }

// SessionStore is the C2 broker session repository.
type SessionStore struct {
	db *gorm.DB
}

// Create issues a new bearer token bound to providerDiscoveryKey, expiring
// in 10 minutes.
func (ss *SessionStore) Create(ctx context.Context, providerDiscoveryKey string) (string, error) {
	token := uuid.NewString()

	now := time.Now()
	row := BrokerSession{
		ID:                   token,
		ProviderDiscoveryKey: providerDiscoveryKey,
		CreatedAt:            now,
		ExpiresAt:            now.Add(brokerSessionTTL),
	}
	if err := withRetry(func() error { return ss.db.WithContext(ctx).Create(&row).Error }); err != nil {
		return "", err
	}
	return token, nil
}

// Verify returns the bound discovery key if token is unexpired. An expired
// row is deleted and reported as absent; a missing token is reported as
// absent without error.
func (ss *SessionStore) Verify(ctx context.Context, token string) (discoveryKey string, ok bool, err error) {
	var row BrokerSession
	ferr := ss.db.WithContext(ctx).Where("id = ?", token).First(&row).Error
	if errors.Is(ferr, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if ferr != nil {
		return "", false, ferr
	}

	if time.Now().After(row.ExpiresAt) {
		_ = ss.db.WithContext(ctx).Delete(&row).Error
		return "", false, nil
	}

	return row.ProviderDiscoveryKey, true, nil
}

// Extend pushes a session's expiry to 10 minutes from now. It is a no-op if
// the token is absent.
func (ss *SessionStore) Extend(ctx context.Context, token string) error {
	return withRetry(func() error {
		return ss.db.WithContext(ctx).Model(&BrokerSession{}).Where("id = ?", token).
			Update("expires_at", time.Now().Add(brokerSessionTTL)).Error
	})
}

// Delete removes a session, reporting whether a row was actually removed.
func (ss *SessionStore) Delete(ctx context.Context, token string) (bool, error) {
	tx := ss.db.WithContext(ctx).Delete(&BrokerSession{}, "id = ?", token)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
