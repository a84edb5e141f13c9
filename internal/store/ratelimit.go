package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// IPMessage is a fixed-window HTTP request counter keyed by client IP.
type IPMessage struct {
	IPAddress    string `gorm:"primaryKey;size:64"`
	MessageCount int
	FirstSeen    time.Time
	LastSeen     time.Time
}

func (IPMessage) TableName() string { return "ip_messages" }

// RateLimitStore is the C4 rate-limit repository.
type RateLimitStore struct {
	db *gorm.DB
}

// Get returns the current window's count for ip if last_seen is within
// window of now; otherwise it reports the window as empty.
func (rs *RateLimitStore) Get(ctx context.Context, ip string, window time.Duration) (count int, ok bool, err error) {
	var row IPMessage
	ferr := rs.db.WithContext(ctx).Where("ip_address = ?", ip).First(&row).Error
	if errors.Is(ferr, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if ferr != nil {
		return 0, false, ferr
	}
	if row.LastSeen.Before(time.Now().Add(-window)) {
		return 0, false, nil
	}
	return row.MessageCount, true, nil
}

// Increment upserts ip's counter for the given window, incrementing
// message_count and refreshing last_seen. A row whose last_seen already
// fell outside window is treated as a new window and reset to 1 rather
// than incremented, matching Get's own staleness check; otherwise a
// window that once reached the caller's cap would reject every request
// forever after, since Get would report it empty but Increment would keep
// counting up from where it left off.
func (rs *RateLimitStore) Increment(ctx context.Context, ip string, window time.Duration) (count int, lastSeen time.Time, err error) {
	now := time.Now()
	err = withRetry(func() error {
		return rs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row IPMessage
			ferr := tx.Where("ip_address = ?", ip).First(&row).Error
			switch {
			case errors.Is(ferr, gorm.ErrRecordNotFound):
				row = IPMessage{IPAddress: ip, MessageCount: 1, FirstSeen: now, LastSeen: now}
				if cerr := tx.Create(&row).Error; cerr != nil {
					return cerr
				}
			case ferr != nil:
				return ferr
			case row.LastSeen.Before(now.Add(-window)):
				row.MessageCount = 1
				row.FirstSeen = now
				row.LastSeen = now
				if serr := tx.Save(&row).Error; serr != nil {
					return serr
				}
			default:
				row.MessageCount++
				row.LastSeen = now
				if serr := tx.Save(&row).Error; serr != nil {
					return serr
				}
			}
			count = row.MessageCount
			lastSeen = row.LastSeen
			return nil
		})
	})
	return count, lastSeen, err
}
