package locations

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xtxerr/airwatch/internal/errors"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locations.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `{"2178": {"name": "Del Norte"}, "8118": {"name": "Paris", "country": "FR"}, "10": null}`)

	c, err := Load(path, []string{"pm25", " bc ", ""})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := strings.Join(c.IDs(), ","); got != "10,2178,8118" {
		t.Errorf("unexpected ids: %s", got)
	}
	if got := strings.Join(c.Parameters(), ","); got != "bc,pm25" {
		t.Errorf("unexpected parameters: %s", got)
	}

	loc, ok := c.Location("8118")
	if !ok || loc.Name != "Paris" || loc.Extra["country"] != "FR" {
		t.Errorf("unexpected location: %+v", loc)
	}
	if loc, ok := c.Location("10"); !ok || loc.Name != "" {
		t.Errorf("expected a bare entry for a null body, got %+v", loc)
	}
}

func TestKnown(t *testing.T) {
	c := New([]string{"1", "2"}, []string{"pm25"})

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"known location", c.KnownLocation("1"), true},
		{"unknown location", c.KnownLocation("3"), false},
		{"known parameter", c.KnownParameter("pm25"), true},
		{"unknown parameter", c.KnownParameter("no2"), false},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestEmptyParametersAcceptAll(t *testing.T) {
	c := New([]string{"1"}, nil)
	if !c.KnownParameter("anything") {
		t.Error("expected every parameter to be known")
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("expected error for a missing file")
	}

	path := writeFile(t, `["1", "2"]`)
	if _, err := Load(path, nil); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	path = writeFile(t, `{"1": {}, "a/b": {}}`)
	if _, err := Load(path, nil); !errors.IsValidation(err) {
		t.Errorf("expected validation error for a path-unsafe id, got %v", err)
	}
}

func TestReload(t *testing.T) {
	path := writeFile(t, `{"1": {}}`)
	c, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"1": {}, "2": {}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if c.Len() != 2 || !c.KnownLocation("2") {
		t.Errorf("expected the new location after reload, got %v", c.IDs())
	}

	// A broken file leaves the previous catalog in place.
	if err := os.WriteFile(path, []byte(`{`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(); err == nil {
		t.Error("expected error for a broken file")
	}
	if c.Len() != 2 {
		t.Errorf("expected the previous catalog, got %v", c.IDs())
	}
}
