package domain

import "strings"

// Medication references a controlled substance by catalog identifier (e.g. the national
// registry code) and display name. Ledger arithmetic is keyed by ID only.
type Medication struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Normalize trims surrounding whitespace from both fields.
func (m Medication) Normalize() Medication {
	return Medication{ID: strings.TrimSpace(m.ID), Name: strings.TrimSpace(m.Name)}
}

// IsZero reports whether neither identifier nor name is set.
func (m Medication) IsZero() bool {
	return m.ID == "" && m.Name == ""
}
