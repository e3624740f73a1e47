// Package fixtures loads farm records and memberships from YAML.
//
// The same file seeds PostgreSQL (cmd/seed) and preloads the memory backend
// for local runs.
//
// Import Path: farmops.io/bulkops/internal/fixtures
package fixtures

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/permission"
)

// File is the fixture document.
type File struct {
	Farms []Farm `yaml:"farms"`
}

// Farm holds the records and members of one farm.
type Farm struct {
	ID            string                         `yaml:"id"`
	Members       map[string]permission.FarmRole `yaml:"members"`
	Animals       []Record                       `yaml:"animals"`
	HealthRecords []Record                       `yaml:"health_records"`
}

// Record is one entity; every key besides id is a column value.
type Record struct {
	ID         string         `yaml:"id"`
	Attributes map[string]any `yaml:",inline"`
}

// Sink receives fixture rows.
type Sink interface {
	PutRecord(ctx context.Context, farmID string, t domain.EntityType, id string, attrs map[string]any) error
	Grant(ctx context.Context, farmID, userID string, role permission.FarmRole) error
}

// Load reads and parses a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a fixture document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids and roles.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i, farm := range f.Farms {
		if strings.TrimSpace(farm.ID) == "" {
			return fmt.Errorf("farms[%d]: id is required", i)
		}
		if seen[farm.ID] {
			return fmt.Errorf("farm %s listed twice", farm.ID)
		}
		seen[farm.ID] = true
		for user, role := range farm.Members {
			if !role.Valid() {
				return fmt.Errorf("farm %s: member %s has unknown role %q", farm.ID, user, role)
			}
		}
		for _, rec := range append(append([]Record{}, farm.Animals...), farm.HealthRecords...) {
			if strings.TrimSpace(rec.ID) == "" {
				return fmt.Errorf("farm %s: record without id", farm.ID)
			}
		}
	}
	return nil
}

// Users returns every member id, sorted.
func (f *File) Users() []string {
	set := make(map[string]struct{})
	for _, farm := range f.Farms {
		for user := range farm.Members {
			set[user] = struct{}{}
		}
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Summary counts what Apply wrote.
type Summary struct {
	Farms         int
	Members       int
	Animals       int
	HealthRecords int
}

// Apply writes every farm to sink. Rows are upserted, so Apply may run again.
func Apply(ctx context.Context, f *File, sink Sink) (Summary, error) {
	var sum Summary
	for _, farm := range f.Farms {
		users := make([]string, 0, len(farm.Members))
		for u := range farm.Members {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			if err := sink.Grant(ctx, farm.ID, u, farm.Members[u]); err != nil {
				return sum, err
			}
			sum.Members++
		}
		for _, rec := range farm.Animals {
			if err := sink.PutRecord(ctx, farm.ID, domain.EntityAnimal, rec.ID, rec.Attributes); err != nil {
				return sum, err
			}
			sum.Animals++
		}
		for _, rec := range farm.HealthRecords {
			if err := sink.PutRecord(ctx, farm.ID, domain.EntityHealthRecord, rec.ID, rec.Attributes); err != nil {
				return sum, err
			}
			sum.HealthRecords++
		}
		sum.Farms++
	}
	return sum, nil
}

// MemorySink loads fixtures into the in-process stores.
type MemorySink struct {
	Entities *entity.Memory
	Perms    *permission.Static
}

// PutRecord implements Sink.
func (s MemorySink) PutRecord(_ context.Context, farmID string, t domain.EntityType, id string, attrs map[string]any) error {
	s.Entities.Put(farmID, t, id, attrs)
	return nil
}

// Grant implements Sink.
func (s MemorySink) Grant(_ context.Context, farmID, userID string, role permission.FarmRole) error {
	s.Perms.Grant(farmID, userID, role)
	return nil
}

// PostgresSink loads fixtures into the PostgreSQL stores.
type PostgresSink struct {
	Entities *entity.Postgres
	Perms    *permission.Postgres
}

// PutRecord implements Sink.
func (s PostgresSink) PutRecord(ctx context.Context, farmID string, t domain.EntityType, id string, attrs map[string]any) error {
	return s.Entities.Put(ctx, farmID, t, id, attrs)
}

// Grant implements Sink.
func (s PostgresSink) Grant(ctx context.Context, farmID, userID string, role permission.FarmRole) error {
	return s.Perms.Grant(ctx, farmID, userID, role)
}
