// Package models provides data structures used throughout the query engine.
package models

// Source identifies where a result's rows came from.
type Source string

const (
	// SourceDatabase marks rows read from PostgreSQL.
	SourceDatabase Source = "database"
	// SourceCache marks rows served from the result cache.
	SourceCache Source = "cache"
)

// Row is a single result row keyed by column name.
type Row map[string]interface{}

// SQLRequest is a free-text statement submitted for execution.
type SQLRequest struct {
	Query    string `json:"query"`
	UseCache bool   `json:"useCache"`
}

// LookupRequest is a parameterised single-column equality lookup.
type LookupRequest struct {
	Table  string      `json:"table"`
	Column string      `json:"column"`
	Value  interface{} `json:"value"`
}

// QueryResult is the outcome of executing a submitted statement.
type QueryResult struct {
	Rows             []Row      `json:"rows"`
	RowCount         int64      `json:"rowCount"`
	DBDurationMs     float64    `json:"dbDurationMs"`
	ServerDurationMs float64    `json:"serverDurationMs"`
	Source           Source     `json:"source"`
	StatementType    string     `json:"statementType"`
	Scan             ScanInfo   `json:"scan"`
	TopCostNodes     []NodeStat `json:"topCostNodes"`
	PlanningMs       float64    `json:"planningMs,omitempty"`
	ExecutionMs      float64    `json:"executionMs,omitempty"`
	TotalCost        float64    `json:"totalCost,omitempty"`
	Notes            []string   `json:"notes,omitempty"`
}

// AddNote appends a caller-visible note.
func (r *QueryResult) AddNote(note string) {
	r.Notes = append(r.Notes, note)
}

// LookupResult is the outcome of a LookupRequest.
type LookupResult struct {
	Rows       []Row   `json:"data"`
	RowCount   int64   `json:"rows"`
	DurationMs float64 `json:"duration"`
	Source     Source  `json:"source"`
}

// ExecResult is the outcome of a statement that returns no rows.
type ExecResult struct {
	RowsAffected int64   `json:"rowsAffected"`
	DurationMs   float64 `json:"durationMs"`
}
