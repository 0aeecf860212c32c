// Package locations holds the configured catalog of known locations and
// parameters.
package locations

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/validation"
)

// Location is one entry of the locations file. Only the id is required;
// other fields are kept for display.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	Extra map[string]any `json:"-"`
}

// Catalog answers whether a location or parameter is configured.
//
// An empty parameter set accepts every parameter. Catalog is safe for
// concurrent use and can be reloaded in place.
type Catalog struct {
	mu         sync.RWMutex
	path       string
	locations  map[string]Location
	parameters map[string]struct{}
}

// New creates a catalog from explicit ids and parameters.
func New(locationIDs, parameters []string) *Catalog {
	c := &Catalog{
		locations:  make(map[string]Location, len(locationIDs)),
		parameters: paramSet(parameters),
	}
	for _, id := range locationIDs {
		c.locations[id] = Location{ID: id}
	}
	return c
}

// Load reads the locations file at path: a JSON object keyed by location id.
func Load(path string, parameters []string) (*Catalog, error) {
	c := &Catalog{path: path, parameters: paramSet(parameters)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the locations file.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read locations file: %w", err)
	}

	locs, err := parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", c.path, err)
	}

	c.mu.Lock()
	c.locations = locs
	c.mu.Unlock()

	logging.Component("locations").Info("catalog loaded", "path", c.path, "locations", len(locs))
	return nil
}

func parse(data []byte) (map[string]Location, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewValidation("locations", "expected a JSON object keyed by id")
	}

	locs := make(map[string]Location, len(raw))
	for id, body := range raw {
		if err := validation.ValidateLocationID("locations", id); err != nil {
			return nil, err
		}
		loc := Location{ID: id}

		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err == nil && fields != nil {
			if name, ok := fields["name"].(string); ok {
				loc.Name = name
			}
			loc.Extra = fields
		}
		locs[id] = loc
	}
	return locs, nil
}

func paramSet(parameters []string) map[string]struct{} {
	set := make(map[string]struct{}, len(parameters))
	for _, p := range parameters {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

// KnownLocation reports whether id is in the catalog.
func (c *Catalog) KnownLocation(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.locations[id]
	return ok
}

// KnownParameter reports whether parameter is configured.
func (c *Catalog) KnownParameter(parameter string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.parameters) == 0 {
		return true
	}
	_, ok := c.parameters[parameter]
	return ok
}

// IDs returns the known location ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.locations))
	for id := range c.locations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Location returns the entry for id.
func (c *Catalog) Location(id string) (Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	loc, ok := c.locations[id]
	return loc, ok
}

// Parameters returns the configured parameters, sorted. Empty means any.
func (c *Catalog) Parameters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	params := make([]string, 0, len(c.parameters))
	for p := range c.parameters {
		params = append(params, p)
	}
	sort.Strings(params)
	return params
}

// Len returns the number of known locations.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.locations)
}
