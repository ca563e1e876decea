package thresholds

import (
	"context"
	"fmt"
	"strings"

	"vitalwatch/internal/apperr"
	"vitalwatch/internal/model"
)

type RuleStore interface {
	ActiveRules(ctx context.Context, mt model.MetricType) ([]model.ThresholdRule, error)
}

type Repository struct {
	store RuleStore
}

func NewRepository(store RuleStore) *Repository {
	return &Repository{store: store}
}

// Resolve picks the most specific active rule matching the patient. Ties go
// to the most recently created rule. With no match the built-in default for
// the metric type is returned.
func (r *Repository) Resolve(ctx context.Context, mt model.MetricType, demo model.Demographics) (model.ThresholdRule, error) {
	var rules []model.ThresholdRule
	if r != nil && r.store != nil {
		var err error
		rules, err = r.store.ActiveRules(ctx, mt)
		if err != nil {
			return model.ThresholdRule{}, fmt.Errorf("load threshold rules for %s: %w", mt, err)
		}
	}
	if best, ok := selectRule(rules, mt, demo); ok {
		return best, nil
	}
	if rule, ok := Default(mt); ok {
		return rule, nil
	}
	return model.ThresholdRule{}, apperr.NotFound("threshold rule", string(mt))
}

func selectRule(rules []model.ThresholdRule, mt model.MetricType, demo model.Demographics) (model.ThresholdRule, bool) {
	var (
		best      model.ThresholdRule
		bestScore = -1
	)
	for _, rule := range rules {
		if !rule.Active || rule.MetricType != mt {
			continue
		}
		score, ok := Match(rule, demo)
		if !ok {
			continue
		}
		if score > bestScore || (score == bestScore && newer(rule, best)) {
			best = rule
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

func newer(a, b model.ThresholdRule) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Match reports whether every filter set on the rule matches the patient and
// how many filters were set.
func Match(rule model.ThresholdRule, demo model.Demographics) (int, bool) {
	score := 0
	if g := strings.TrimSpace(rule.Gender); g != "" {
		if !strings.EqualFold(g, strings.TrimSpace(demo.Gender)) {
			return 0, false
		}
		score++
	}
	if rule.AgeRange != nil {
		if demo.Age <= 0 || !rule.AgeRange.Contains(demo.Age) {
			return 0, false
		}
		score++
	}
	if d := strings.TrimSpace(rule.DiseaseType); d != "" {
		if !hasDisease(demo.DiseaseTypes, d) {
			return 0, false
		}
		score++
	}
	return score, true
}

func hasDisease(list []string, disease string) bool {
	for _, d := range list {
		if strings.EqualFold(strings.TrimSpace(d), disease) {
			return true
		}
	}
	return false
}
