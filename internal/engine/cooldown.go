package engine

import (
	"time"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

// CooldownPolicy holds the dedup window per alert type.
type CooldownPolicy struct {
	cfg config.CooldownConfig
}

func NewCooldownPolicy(cfg config.CooldownConfig) CooldownPolicy {
	return CooldownPolicy{cfg: cfg}
}

func (p CooldownPolicy) For(t model.AlertType) time.Duration {
	var d time.Duration
	switch t {
	case model.AlertThresholdExceeded:
		d = p.cfg.ThresholdExceeded
	case model.AlertAbnormalTrend:
		d = p.cfg.AbnormalTrend
	case model.AlertMissedMedication:
		d = p.cfg.MissedMedication
	case model.AlertSystemNotification:
		d = p.cfg.SystemNotification
	}
	if d > 0 {
		return d
	}
	switch t {
	case model.AlertMissedMedication, model.AlertSystemNotification:
		return 24 * time.Hour
	default:
		return 6 * time.Hour
	}
}

// Slot buckets a creation time by cool-down so the storage uniqueness
// constraint only spans alerts created within the same window.
func Slot(createdAt time.Time, cooldown time.Duration) int64 {
	if cooldown <= 0 {
		return 0
	}
	return createdAt.UnixMilli() / cooldown.Milliseconds()
}
