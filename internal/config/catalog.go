package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kinetix-coach/internal/coach"
)

// Catalog is the set of exercises a session may be started with.
type Catalog struct {
	profiles map[string]coach.Profile
	order    []string
}

var builtinProfiles = []coach.Profile{
	{
		ID:          "squat",
		Name:        "Bodyweight Squat",
		Description: "Stand feet shoulder-width apart. Lower hips back and down.",
		KeyPoints:   []string{"Keep back straight", "Knees behind toes", "Chest up", "Thighs parallel to floor"},
	},
	{
		ID:          "arm-raises",
		Name:        "Lateral Arm Raises",
		Description: "Raise arms to the side until shoulder height.",
		KeyPoints:   []string{"Keep core tight", "Don't shrug shoulders", "Control the descent", "Arms straight but not locked"},
	},
	{
		ID:          "lunges",
		Name:        "Forward Lunges",
		Description: "Step forward with one leg, lowering your hips.",
		KeyPoints:   []string{"Back straight", "Both knees at 90 degrees", "Front knee over ankle"},
	},
}

// DefaultCatalog returns the built-in exercises.
func DefaultCatalog() *Catalog {
	c := &Catalog{profiles: make(map[string]coach.Profile)}
	for _, p := range builtinProfiles {
		c.add(p)
	}
	return c
}

type catalogFile struct {
	Exercises []coach.Profile `yaml:"exercises"`
}

// LoadCatalog returns the built-in catalog merged with the YAML file at
// path. Entries in the file replace built-ins with the same id. An empty
// path yields the built-ins.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exercise catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse exercise catalog %s: %w", path, err)
	}
	for i, p := range f.Exercises {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("exercise catalog %s: entry %d needs id and name", path, i)
		}
		c.add(p)
	}
	return c, nil
}

func (c *Catalog) add(p coach.Profile) {
	key := strings.ToLower(p.ID)
	if _, ok := c.profiles[key]; !ok {
		c.order = append(c.order, key)
	}
	p.KeyPoints = append([]string(nil), p.KeyPoints...)
	c.profiles[key] = p
}

// Lookup finds an exercise by id (case-insensitive).
func (c *Catalog) Lookup(id string) (coach.Profile, error) {
	p, ok := c.profiles[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return coach.Profile{}, fmt.Errorf("%w: %q", coach.ErrUnknownExercise, id)
	}
	return p, nil
}

// List returns exercises in catalog order.
func (c *Catalog) List() []coach.Profile {
	out := make([]coach.Profile, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.profiles[k])
	}
	return out
}

// IDs returns the sorted exercise ids.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}
