package domain

import "strings"

// Terminal geometry bounds
const (
	DefaultCols = 80
	DefaultRows = 24
	MinCols     = 1
	MaxCols     = 1000
	MinRows     = 1
	MaxRows     = 500

	maxCommandLength = 64 * 1024
)

// Normalize fills defaults for unset optional fields
func (d *SpawnDefinition) Normalize() {
	if d.Type == "" {
		d.Type = TypeCommand
	}
	if d.Cols == 0 {
		d.Cols = DefaultCols
	}
	if d.Rows == 0 {
		d.Rows = DefaultRows
	}
}

// Validate checks structural constraints on a spawn definition
func (d *SpawnDefinition) Validate() error {
	if strings.TrimSpace(d.ProjectID) == "" {
		return Invalid("project_id", "is required")
	}
	if err := ValidateScope(d.Scope, d.ScopeID); err != nil {
		return err
	}
	switch d.Type {
	case TypeCommand, TypeService:
	default:
		return Invalid("type", "unknown process type %q", d.Type)
	}
	if strings.TrimSpace(d.Command) == "" {
		return Invalid("command", "must not be empty")
	}
	if len(d.Command) > maxCommandLength {
		return Invalid("command", "exceeds %d bytes", maxCommandLength)
	}
	if err := ValidateGeometry(d.Cols, d.Rows); err != nil {
		return err
	}
	for k := range d.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return Invalid("env", "invalid variable name %q", k)
		}
	}
	return nil
}

// ValidateGeometry checks terminal dimensions
func ValidateGeometry(cols, rows int) error {
	if cols < MinCols || cols > MaxCols {
		return Invalid("cols", "must be between %d and %d, got %d", MinCols, MaxCols, cols)
	}
	if rows < MinRows || rows > MaxRows {
		return Invalid("rows", "must be between %d and %d, got %d", MinRows, MaxRows, rows)
	}
	return nil
}

// ValidateScope checks a scope tag and its owner id
func ValidateScope(scope Scope, scopeID string) error {
	switch scope {
	case ScopeTask, ScopeMission, ScopeProject:
	case "":
		return Invalid("scope", "is required")
	default:
		return Invalid("scope", "unknown scope %q", scope)
	}
	if strings.TrimSpace(scopeID) == "" {
		return Invalid("scope_id", "is required")
	}
	return nil
}
