package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"vitalwatch/internal/model"
)

// Candidate identifies an alert that is about to be emitted.
type Candidate struct {
	PatientID   string
	DoctorID    string
	AlertType   model.AlertType
	Fingerprint string
}

type PendingAlertFinder interface {
	FindPendingAlerts(ctx context.Context, patientID, doctorID string, alertType model.AlertType, since time.Time) ([]model.Alert, error)
}

// AlertHistory looks up earlier alerts regardless of their status.
type AlertHistory interface {
	LatestAlert(ctx context.Context, patientID, doctorID string, alertType model.AlertType, fingerprint string) (model.Alert, bool, error)
}

// NormalizeKey lowercases and collapses whitespace so cosmetic differences in
// a medication name or metric label map to the same fingerprint.
func NormalizeKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), " ")
}

// Fingerprint hashes the alert type with its identifying key. The message
// text is never part of it.
func Fingerprint(alertType model.AlertType, key string) string {
	h := sha256.Sum256([]byte(string(alertType) + "|" + NormalizeKey(key)))
	return hex.EncodeToString(h[:])
}

type Deduplicator struct {
	alerts   PendingAlertFinder
	cooldown CooldownPolicy
}

func NewDeduplicator(alerts PendingAlertFinder, cooldown CooldownPolicy) *Deduplicator {
	return &Deduplicator{alerts: alerts, cooldown: cooldown}
}

// ShouldEmit reports false when a pending alert with the same fingerprint was
// created for the patient and doctor within the type's cool-down.
func (d *Deduplicator) ShouldEmit(ctx context.Context, c Candidate, now time.Time) (bool, error) {
	if d == nil || d.alerts == nil {
		return true, nil
	}
	since := now.Add(-d.cooldown.For(c.AlertType))
	existing, err := d.alerts.FindPendingAlerts(ctx, c.PatientID, c.DoctorID, c.AlertType, since)
	if err != nil {
		return false, fmt.Errorf("find pending %s alerts: %w", c.AlertType, err)
	}
	for _, a := range existing {
		if a.Status == model.AlertPending && a.Fingerprint == c.Fingerprint {
			return false, nil
		}
	}
	return true, nil
}

// AlreadyReported reports whether an alert with c's fingerprint was created
// at or after evidenceAt, whatever its status now. Evidence that predates
// the newest such alert has already been shown to the doctor.
func AlreadyReported(ctx context.Context, history AlertHistory, c Candidate, evidenceAt time.Time) (bool, error) {
	if history == nil || evidenceAt.IsZero() {
		return false, nil
	}
	latest, ok, err := history.LatestAlert(ctx, c.PatientID, c.DoctorID, c.AlertType, c.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("latest %s alert: %w", c.AlertType, err)
	}
	return ok && !latest.CreatedAt.Before(evidenceAt), nil
}
