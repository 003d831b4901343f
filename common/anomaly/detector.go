package anomaly

import (
	"context"
	"fmt"

	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/metrics"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// Detector evaluates anomaly rules on every stored diff and records matches
// in the same transaction
type Detector struct {
	rules     []Rule
	evaluator *Evaluator
	log       *logger.Logger
	metrics   *metrics.Versioning
}

// NewDetector compiles rules; an invalid expression fails here, not at save time
func NewDetector(rules []Rule, log *logger.Logger, m *metrics.Versioning) (*Detector, error) {
	d := &Detector{
		rules:     rules,
		evaluator: NewEvaluator(),
		log:       log,
		metrics:   m,
	}
	for _, rule := range rules {
		if err := d.evaluator.Compile(rule.Expression); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
	}
	return d, nil
}

// Hook returns the detector as a controller diff hook
func (d *Detector) Hook() versioning.DiffHook {
	return d.Check
}

// Check records one anomaly per matching rule
func (d *Detector) Check(ctx context.Context, tx versioning.Tx, kind *versioning.Kind, diff *models.DiffRecord) error {
	vars := Variables(kind.Name, diff)

	for _, rule := range d.rules {
		matched, err := d.evaluator.Evaluate(rule.Expression, vars)
		if err != nil {
			// A rule that cannot be evaluated on this diff is skipped
			d.log.Warn("anomaly rule failed", "rule", rule.Name, "kind", kind.Name, "id", diff.EntityID, "error", err)
			continue
		}
		if !matched {
			continue
		}

		anomaly := &models.Anomaly{
			Kind:        rule.Name,
			SnapshotIDs: snapshotIDs(diff),
			Locality:    diff.Locality,
			CreatedAt:   diff.CreatedAt,
		}
		if err := tx.InsertAnomaly(ctx, anomaly); err != nil {
			return fmt.Errorf("failed to record anomaly %s: %w", rule.Name, err)
		}

		d.metrics.IncrementAnomaly(rule.Name)
		d.log.Info("anomaly detected", "rule", rule.Name, "kind", kind.Name, "id", diff.EntityID, "locality", diff.Locality)
	}
	return nil
}

// Variables builds the CEL activation for a diff
func Variables(resource string, diff *models.DiffRecord) map[string]any {
	changes := make(map[string]any, len(diff.Changes))
	for _, c := range diff.Changes {
		changes[c.Field] = map[string]any{"old": c.Old, "new": c.New}
	}

	vars := map[string]any{
		"resource": resource,
		"changes":  changes,
		"old":      nil,
		"new":      nil,
	}
	if diff.Old != nil {
		vars["old"] = diff.Old.Data.Map()
	}
	if diff.New != nil {
		vars["new"] = diff.New.Data.Map()
	}
	return vars
}

func snapshotIDs(diff *models.DiffRecord) []int64 {
	ids := make([]int64, 0, 2)
	if diff.OldID != nil {
		ids = append(ids, *diff.OldID)
	}
	if diff.NewID != nil {
		ids = append(ids, *diff.NewID)
	}
	return ids
}
