// Package entity is the boundary to the farm record store the engine edits.
//
// Update distinguishes item failures from systemic ones: a *domain.ItemError
// means the single item could not be changed and the batch goes on; any other
// error means the store itself is unusable and the batch aborts.
//
// Import Path: farmops.io/bulkops/internal/entity
package entity

import (
	"context"

	"farmops.io/bulkops/internal/domain"
)

// Record is a snapshot of one stored entity.
type Record struct {
	ID         string            `json:"id"`
	FarmID     string            `json:"farm_id"`
	Type       domain.EntityType `json:"type"`
	Attributes map[string]any    `json:"attributes,omitempty"`
}

// Store reads and mutates farm records.
type Store interface {
	// ReadMany returns the records among ids that exist in farmID. Missing ids
	// are omitted, not errors.
	ReadMany(ctx context.Context, farmID string, t domain.EntityType, ids []string) ([]Record, error)
	// Update applies change to a single record.
	Update(ctx context.Context, farmID, id string, change domain.ChangeSet) error
}

// tables maps entity types to their tables. Only names listed here ever
// reach a SQL string.
var tables = map[domain.EntityType]string{
	domain.EntityAnimal:       "animals",
	domain.EntityHealthRecord: "health_records",
}

// columns lists the writable columns per entity type.
var columns = map[domain.EntityType]map[string]bool{
	domain.EntityAnimal: {
		"status": true, "health_status": true, "breed": true,
		"location": true, "weight_kg": true, "notes": true,
	},
	domain.EntityHealthRecord: {
		"status": true, "treatment": true, "veterinarian": true,
		"follow_up_date": true, "notes": true,
	},
}

// descriptive lists columns that are loaded from fixtures but never edited.
var descriptive = map[domain.EntityType][]string{
	domain.EntityAnimal:       {"tag_number", "species"},
	domain.EntityHealthRecord: {"animal_id"},
}

// TableFor returns the table backing t.
func TableFor(t domain.EntityType) (string, bool) {
	name, ok := tables[t]
	return name, ok
}

func writable(t domain.EntityType, column string) bool {
	return columns[t][column]
}

func loadable(t domain.EntityType, column string) bool {
	if writable(t, column) {
		return true
	}
	for _, c := range descriptive[t] {
		if c == column {
			return true
		}
	}
	return false
}
