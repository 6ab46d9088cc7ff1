package sign

import (
	"context"
	"fmt"
)

// Seed describes a sign to provision on an empty fleet.
type Seed struct {
	ID      string
	Name    string
	Heading int
}

// DefaultSeeds matches the three signs shipped with the original fleet.
var DefaultSeeds = []Seed{
	{ID: "1", Name: "1"},
	{ID: "2", Name: "2"},
	{ID: "3", Name: "3"},
}

// SeedIfEmpty provisions seeds when the registry holds no signs, and
// returns how many were added. A populated fleet is left alone.
func SeedIfEmpty(ctx context.Context, r *Registry, seeds []Seed) (int, error) {
	if r.Count() > 0 {
		return 0, nil
	}

	for i, s := range seeds {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		err := r.Provision(ctx, &Sign{
			ID:      s.ID,
			Name:    name,
			Status:  StatusOffline,
			Heading: s.Heading,
		})
		if err != nil {
			return i, fmt.Errorf("seeding sign %s: %w", s.ID, err)
		}
	}

	r.logger.Info("fleet seeded", "count", len(seeds))
	return len(seeds), nil
}
