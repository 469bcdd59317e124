// Package manifest parses the capability declarations that mod plugins ship
// as manifest.json files.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"apframework.dev/internal/protocol"
)

// Parse error kinds.
const (
	ErrMissingField = "missing_field"
	ErrBadType      = "bad_type"
	ErrEmptyModID   = "empty_mod_id"
)

// ParseError describes why a manifest was rejected.
type ParseError struct {
	Kind  string
	Field string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "manifest: " + e.Kind
	}
	return fmt.Sprintf("manifest: %s (%s)", e.Kind, e.Field)
}

type Manifest struct {
	ModID             string
	Name              string
	Version           string
	Enabled           bool
	Incompatibilities []Incompatibility
	Locations         []Location
	Items             []Item
}

// Incompatibility names a mod this one refuses to run with. An empty
// Versions list, or a "*" entry, matches any version.
type Incompatibility struct {
	ModID    string   `json:"mod_id"`
	Versions []string `json:"versions,omitempty"`
}

type Location struct {
	Name   string `json:"name"`
	Amount int    `json:"amount"`
	Unique bool   `json:"unique"`
}

type Item struct {
	Name   string               `json:"name"`
	Type   string               `json:"type"`
	Amount int                  `json:"amount"`
	Action string               `json:"action,omitempty"`
	Args   []protocol.ActionArg `json:"args,omitempty"`
}

// Wire forms with pointers so absent keys take defaults.
type manifestDoc struct {
	ModID             *string           `json:"mod_id"`
	Name              string            `json:"name"`
	Version           string            `json:"version"`
	Enabled           *bool             `json:"enabled"`
	Incompatibilities []Incompatibility `json:"incompatibilities"`
	Locations         []locationDoc     `json:"locations"`
	Items             []itemDoc         `json:"items"`
}

type locationDoc struct {
	Name   string `json:"name"`
	Amount *int   `json:"amount"`
	Unique *bool  `json:"unique"`
}

type itemDoc struct {
	Name   string   `json:"name"`
	Type   *string  `json:"type"`
	Amount *int     `json:"amount"`
	Action string   `json:"action"`
	Args   []argDoc `json:"args"`
}

type argDoc struct {
	Name  string          `json:"name"`
	Type  *string         `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Parse decodes one manifest document. Unknown top-level keys are ignored.
func Parse(data []byte) (Manifest, error) {
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Manifest{}, &ParseError{Kind: ErrBadType, Field: typeErr.Field}
		}
		return Manifest{}, &ParseError{Kind: ErrBadType, Field: "manifest"}
	}
	if doc.ModID == nil {
		return Manifest{}, &ParseError{Kind: ErrMissingField, Field: "mod_id"}
	}
	if *doc.ModID == "" {
		return Manifest{}, &ParseError{Kind: ErrEmptyModID, Field: "mod_id"}
	}

	m := Manifest{
		ModID:             *doc.ModID,
		Name:              doc.Name,
		Version:           doc.Version,
		Enabled:           true,
		Incompatibilities: doc.Incompatibilities,
	}
	if m.Name == "" {
		m.Name = m.ModID
	}
	if m.Version == "" {
		m.Version = "1.0.0"
	}
	if doc.Enabled != nil {
		m.Enabled = *doc.Enabled
	}

	for _, l := range doc.Locations {
		if l.Name == "" {
			continue
		}
		loc := Location{Name: l.Name, Amount: 1}
		if l.Amount != nil {
			loc.Amount = *l.Amount
		}
		if l.Unique != nil {
			loc.Unique = *l.Unique
		}
		if loc.Amount < 1 {
			return Manifest{}, &ParseError{Kind: ErrBadType, Field: "locations.amount"}
		}
		m.Locations = append(m.Locations, loc)
	}

	for _, it := range doc.Items {
		if it.Name == "" {
			continue
		}
		item := Item{Name: it.Name, Type: protocol.ItemFiller, Amount: 1, Action: it.Action}
		if it.Type != nil {
			item.Type = normalizeItemType(*it.Type)
		}
		if it.Amount != nil {
			item.Amount = *it.Amount
		}
		if item.Amount < 1 && item.Amount != -1 {
			return Manifest{}, &ParseError{Kind: ErrBadType, Field: "items.amount"}
		}
		for _, a := range it.Args {
			arg := protocol.ActionArg{Name: a.Name, Type: protocol.ArgString, Value: a.Value}
			if a.Type != nil {
				arg.Type = normalizeArgType(*a.Type)
			}
			item.Args = append(item.Args, arg)
		}
		m.Items = append(m.Items, item)
	}

	return m, nil
}

// ParseFile reads and parses <path>.
func ParseFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(data)
}

func normalizeItemType(s string) string {
	switch s {
	case protocol.ItemProgression, protocol.ItemUseful, protocol.ItemFiller, protocol.ItemTrap:
		return s
	}
	return protocol.ItemFiller
}

func normalizeArgType(s string) string {
	switch s {
	case protocol.ArgString, protocol.ArgNumber, protocol.ArgBoolean, protocol.ArgProperty:
		return s
	}
	return protocol.ArgString
}
