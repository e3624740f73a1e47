package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "farmops.io/bulkops/internal/pkg/errors"
)

// EntityType names the kind of record a change targets.
type EntityType string

const (
	EntityAnimal       EntityType = "animal"
	EntityHealthRecord EntityType = "health_record"
)

// Valid reports whether t is a supported entity type.
func (t EntityType) Valid() bool {
	return t == EntityAnimal || t == EntityHealthRecord
}

var (
	animalStatuses       = []string{"active", "sold", "deceased", "quarantined", "transferred"}
	animalHealthStatuses = []string{"healthy", "sick", "injured", "recovering", "under_treatment"}
	healthRecordStatuses = []string{"scheduled", "in_progress", "completed", "cancelled"}
)

// AnimalEdit is the set of animal fields a batch edit may change. Nil fields
// are left untouched.
type AnimalEdit struct {
	Status       *string  `json:"status,omitempty"`
	HealthStatus *string  `json:"health_status,omitempty"`
	Breed        *string  `json:"breed,omitempty"`
	Location     *string  `json:"location,omitempty"`
	WeightKg     *float64 `json:"weight_kg,omitempty"`
	Notes        *string  `json:"notes,omitempty"`
}

// HealthRecordEdit is the set of health record fields a batch edit may change.
type HealthRecordEdit struct {
	Status       *string `json:"status,omitempty"`
	Treatment    *string `json:"treatment,omitempty"`
	Veterinarian *string `json:"veterinarian,omitempty"`
	FollowUpDate *string `json:"follow_up_date,omitempty"` // YYYY-MM-DD
	Notes        *string `json:"notes,omitempty"`
}

// ChangeSet is a tagged variant keyed by EntityType. Exactly the variant
// matching EntityType is set.
type ChangeSet struct {
	EntityType   EntityType        `json:"entity_type"`
	Animal       *AnimalEdit       `json:"animal,omitempty"`
	HealthRecord *HealthRecordEdit `json:"health_record,omitempty"`
}

// Column is one column assignment derived from a ChangeSet.
type Column struct {
	Name  string
	Value any
}

// Validate checks the variant tag and every set field.
func (c ChangeSet) Validate() error {
	var fe []apperrors.FieldError
	add := func(field, code, msg string) {
		fe = append(fe, apperrors.FieldError{Field: field, Code: code, Message: msg})
	}

	switch c.EntityType {
	case EntityAnimal:
		if c.HealthRecord != nil {
			add("proposed_changes.health_record", "unexpected_variant", "health_record changes given for entity_type animal")
		}
		if c.Animal == nil {
			add("proposed_changes.animal", "required", "animal changes are required")
			break
		}
		a := c.Animal
		checkEnum(add, "proposed_changes.animal.status", a.Status, animalStatuses)
		checkEnum(add, "proposed_changes.animal.health_status", a.HealthStatus, animalHealthStatuses)
		checkText(add, "proposed_changes.animal.breed", a.Breed, 100, false)
		checkText(add, "proposed_changes.animal.location", a.Location, 200, false)
		checkText(add, "proposed_changes.animal.notes", a.Notes, 2000, true)
		if a.WeightKg != nil && (math.IsNaN(*a.WeightKg) || *a.WeightKg <= 0 || *a.WeightKg > 5000) {
			add("proposed_changes.animal.weight_kg", "out_of_range", "weight_kg must be in (0, 5000]")
		}
	case EntityHealthRecord:
		if c.Animal != nil {
			add("proposed_changes.animal", "unexpected_variant", "animal changes given for entity_type health_record")
		}
		if c.HealthRecord == nil {
			add("proposed_changes.health_record", "required", "health_record changes are required")
			break
		}
		h := c.HealthRecord
		checkEnum(add, "proposed_changes.health_record.status", h.Status, healthRecordStatuses)
		checkText(add, "proposed_changes.health_record.treatment", h.Treatment, 500, false)
		checkText(add, "proposed_changes.health_record.veterinarian", h.Veterinarian, 200, false)
		checkText(add, "proposed_changes.health_record.notes", h.Notes, 2000, true)
		if h.FollowUpDate != nil {
			if _, err := time.Parse(time.DateOnly, *h.FollowUpDate); err != nil {
				add("proposed_changes.health_record.follow_up_date", "invalid_format", "follow_up_date must be YYYY-MM-DD")
			}
		}
	default:
		add("proposed_changes.entity_type", "invalid_enum", fmt.Sprintf("entity_type must be %q or %q", EntityAnimal, EntityHealthRecord))
	}

	if len(fe) == 0 && len(c.Columns()) == 0 {
		add("proposed_changes", "empty", "at least one field must be changed")
	}
	if len(fe) > 0 {
		return apperrors.Validation(apperrors.CodeChangeInvalid, "proposed changes are invalid").WithFieldErrors(fe)
	}
	return nil
}

// Columns returns the column assignments in a stable order.
func (c ChangeSet) Columns() []Column {
	var cols []Column
	addStr := func(name string, v *string) {
		if v != nil {
			cols = append(cols, Column{Name: name, Value: *v})
		}
	}
	switch c.EntityType {
	case EntityAnimal:
		if a := c.Animal; a != nil {
			addStr("status", a.Status)
			addStr("health_status", a.HealthStatus)
			addStr("breed", a.Breed)
			addStr("location", a.Location)
			if a.WeightKg != nil {
				cols = append(cols, Column{Name: "weight_kg", Value: *a.WeightKg})
			}
			addStr("notes", a.Notes)
		}
	case EntityHealthRecord:
		if h := c.HealthRecord; h != nil {
			addStr("status", h.Status)
			addStr("treatment", h.Treatment)
			addStr("veterinarian", h.Veterinarian)
			addStr("follow_up_date", h.FollowUpDate)
			addStr("notes", h.Notes)
		}
	}
	return cols
}

func checkEnum(add func(field, code, msg string), field string, v *string, allowed []string) {
	if v == nil {
		return
	}
	for _, a := range allowed {
		if *v == a {
			return
		}
	}
	add(field, "invalid_enum", fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
}

func checkText(add func(field, code, msg string), field string, v *string, maxLen int, allowEmpty bool) {
	if v == nil {
		return
	}
	if !allowEmpty && strings.TrimSpace(*v) == "" {
		add(field, "required", "must not be blank")
		return
	}
	if len(*v) > maxLen {
		add(field, "too_long", fmt.Sprintf("must be at most %d characters", maxLen))
	}
}

// NormalizeItemIDs trims ids, drops blanks and removes duplicates while
// keeping the first occurrence order.
func NormalizeItemIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Item failure codes recorded in the failure ledger.
const (
	ItemErrNotFound      = "NOT_FOUND"
	ItemErrInvalidChange = "INVALID_CHANGE"
	ItemErrConflict      = "CONFLICT"
	ItemErrSystemicAbort = "SYSTEMIC_ABORT"
	ItemErrNotAttempted  = "NOT_ATTEMPTED"
)

// ItemError is a business failure of a single item mutation. Any other error
// returned by the entity store is treated as systemic.
type ItemError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return e.Code + ": " + e.Message
}

// NewItemError creates an ItemError.
func NewItemError(code, message string) *ItemError {
	return &ItemError{Code: code, Message: message}
}

// AsItemError extracts an ItemError from err.
func AsItemError(err error) (*ItemError, bool) {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
