package models

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultIndexMethod is used when a spec leaves the access method empty.
const DefaultIndexMethod = "btree"

// IndexAction selects an index lifecycle operation.
type IndexAction string

const (
	IndexActionCreate IndexAction = "create"
	IndexActionDrop   IndexAction = "drop"
)

// IndexSpec identifies a secondary index by table, ordered columns and method.
type IndexSpec struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Method  string   `json:"method,omitempty"`
}

// NewIndexSpec builds a spec with the default access method.
func NewIndexSpec(table string, columns ...string) IndexSpec {
	return IndexSpec{Table: table, Columns: columns, Method: DefaultIndexMethod}
}

// Name derives the deterministic index name idx_<table>_<col>[_<col>...].
func (s IndexSpec) Name() string {
	parts := make([]string, 0, len(s.Columns)+2)
	parts = append(parts, "idx", s.Table)
	parts = append(parts, s.Columns...)
	return strings.ToLower(strings.Join(parts, "_"))
}

// AccessMethod returns the method, defaulting to btree.
func (s IndexSpec) AccessMethod() string {
	if s.Method == "" {
		return DefaultIndexMethod
	}
	return strings.ToLower(s.Method)
}

// IndexRequest is the wire form of a manual index operation.
type IndexRequest struct {
	Action  IndexAction `json:"action"`
	Table   string      `json:"table"`
	Column  string      `json:"column,omitempty"`
	Columns []string    `json:"columns,omitempty"`
	Type    string      `json:"type,omitempty"`
}

// Spec converts the request into an IndexSpec.
func (r IndexRequest) Spec() IndexSpec {
	columns := r.Columns
	if len(columns) == 0 && r.Column != "" {
		columns = []string{r.Column}
	}
	return IndexSpec{Table: r.Table, Columns: columns, Method: r.Type}
}

// IndexResult reports an index create or drop.
type IndexResult struct {
	Success    bool    `json:"success"`
	Name       string  `json:"name"`
	Message    string  `json:"message"`
	DurationMs float64 `json:"duration"`
	Blocking   bool    `json:"blocking,omitempty"`
}

// IndexInfo describes an index present in the catalog.
type IndexInfo struct {
	Name  string `json:"name"`
	Table string `json:"table"`
	Valid bool   `json:"valid"`
}

// MaxIdentifierLength is PostgreSQL's NAMEDATALEN-1.
const MaxIdentifierLength = 63

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var accessMethods = map[string]bool{
	"btree":  true,
	"hash":   true,
	"gist":   true,
	"spgist": true,
	"gin":    true,
	"brin":   true,
}

// ValidIdentifier reports whether name is a plain unquoted SQL identifier.
func ValidIdentifier(name string) bool {
	return len(name) <= MaxIdentifierLength && identifierPattern.MatchString(name)
}

// Validate checks the table, columns, method and derived name.
func (s IndexSpec) Validate() error {
	if !ValidIdentifier(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("index on %s needs at least one column", s.Table)
	}
	for _, c := range s.Columns {
		if !ValidIdentifier(c) {
			return fmt.Errorf("invalid column name %q", c)
		}
	}
	if !accessMethods[s.AccessMethod()] {
		return fmt.Errorf("unsupported index type %q", s.Method)
	}
	if len(s.Name()) > MaxIdentifierLength {
		return fmt.Errorf("index name %s exceeds %d characters", s.Name(), MaxIdentifierLength)
	}
	return nil
}
