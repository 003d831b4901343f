package versioning

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/odorie/api-gestion-poc/common/models"
)

// ComputeDiff returns the fields whose values differ between before and after.
// A nil side is an empty state. Absent and null are the same value.
// Changes follow after's field order, then fields removed from before.
func ComputeDiff(before, after models.Fields) (models.Changes, error) {
	oldJSON, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal old state: %w", err)
	}
	newJSON, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal new state: %w", err)
	}

	patch, err := jsonpatch.CreateMergePatch(oldJSON, newJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge patch: %w", err)
	}

	var changed map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changed); err != nil {
		return nil, fmt.Errorf("failed to decode merge patch: %w", err)
	}
	if len(changed) == 0 {
		return models.Changes{}, nil
	}

	changes := make(models.Changes, 0, len(changed))
	emit := func(name string) {
		if _, ok := changed[name]; !ok {
			return
		}
		delete(changed, name)

		oldValue, _ := before.Get(name)
		newValue, _ := after.Get(name)
		if oldValue == nil && newValue == nil {
			return
		}
		changes = append(changes, models.Change{Field: name, Old: oldValue, New: newValue})
	}

	for _, name := range after.Keys() {
		emit(name)
	}
	for _, name := range before.Keys() {
		emit(name)
	}

	return changes, nil
}
