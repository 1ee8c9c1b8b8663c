// Package slotmap translates medicine names into dispenser slot codes.
//
// A Table is built once at startup and never mutated afterwards, so it is
// safe for concurrent use without locking.
package slotmap

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTable is returned when a table definition cannot be used to
// build device frames.
var ErrInvalidTable = errors.New("invalid slot table")

// Presets shipped with the dispenser firmware variants.
var presets = map[string]map[string]string{
	"numeric": {
		"Paracetamol - 500mg": "1",
		"Ibuprofen - 400mg":   "2",
		"Amoxicillin - 250mg": "3",
		"Cetirizine - 10mg":   "4",
		"Metformin - 500mg":   "5",
		"Omeprazole - 20mg":   "6",
		"Aspirin - 75mg":      "7",
		"Vitamin D3 - 1000IU": "8",
	},
	"tablet": {
		"Paracetamol - 500mg": "T1",
		"Ibuprofen - 400mg":   "T2",
		"Amoxicillin - 250mg": "T3",
		"Cetirizine - 10mg":   "T4",
		"Metformin - 500mg":   "T5",
		"Omeprazole - 20mg":   "T6",
		"Aspirin - 75mg":      "T7",
		"Vitamin D3 - 1000IU": "T8",
	},
}

// Table is an immutable medicine name to slot code mapping.
type Table struct {
	codes map[string]string
}

// New builds a table from a name->code map. The map is copied.
func New(entries map[string]string) (*Table, error) {
	codes := make(map[string]string, len(entries))
	for name, code := range entries {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty medicine name", ErrInvalidTable)
		}
		if code == "" || strings.ContainsAny(code, ",\r\n") {
			return nil, fmt.Errorf("%w: code %q for %q must be non-empty and contain no comma or newline", ErrInvalidTable, code, name)
		}
		codes[name] = code
	}
	return &Table{codes: codes}, nil
}

// Preset returns one of the built-in tables ("numeric" or "tablet").
func Preset(name string) (*Table, error) {
	entries, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown preset %q", ErrInvalidTable, name)
	}
	return New(entries)
}

// fileFormat is the YAML layout of a slot map override file.
type fileFormat struct {
	Medicines map[string]string `yaml:"medicines"`
}

// Load builds the table for a deployment: the named preset, with entries
// from the optional YAML file layered on top.
func Load(preset, path string) (*Table, error) {
	entries := map[string]string{}
	if preset != "" {
		base, ok := presets[preset]
		if !ok {
			return nil, fmt.Errorf("%w: unknown preset %q", ErrInvalidTable, preset)
		}
		for k, v := range base {
			entries[k] = v
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read slot map %s: %w", path, err)
		}
		var f fileFormat
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse slot map %s: %w", path, err)
		}
		for k, v := range f.Medicines {
			entries[k] = v
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrInvalidTable)
	}
	return New(entries)
}

// Lookup returns the slot code for a medicine name. Surrounding whitespace
// on the name is ignored.
func (t *Table) Lookup(name string) (string, bool) {
	code, ok := t.codes[strings.TrimSpace(name)]
	return code, ok
}

// Len returns the number of mapped medicines.
func (t *Table) Len() int { return len(t.codes) }

// Names returns the mapped medicine names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.codes))
	for n := range t.codes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MapToCodes maps names in order. Names without a slot are returned in
// unmapped and skipped; repeated names repeat their code.
func (t *Table) MapToCodes(names []string) (codes []string, unmapped []string) {
	codes = make([]string, 0, len(names))
	for _, name := range names {
		if code, ok := t.Lookup(name); ok {
			codes = append(codes, code)
			continue
		}
		unmapped = append(unmapped, name)
	}
	return codes, unmapped
}
