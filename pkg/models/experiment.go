package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Family names an experiment.
type Family string

const (
	FamilyWriteCost   Family = "write_cost"
	FamilySelectivity Family = "selectivity"
	FamilyComposite   Family = "composite"
)

// Valid reports whether the family is known.
func (f Family) Valid() bool {
	switch f {
	case FamilyWriteCost, FamilySelectivity, FamilyComposite:
		return true
	default:
		return false
	}
}

// Selectivity steps.
const (
	StepSelectivitySeed  = "seed"
	StepSelectivityCheck = "check"
	StepSelectivityRun   = "run"
)

// Composite steps.
const (
	StepCompositeReset     = "reset"
	StepCompositeCheck     = "check"
	StepCompositeNone      = "test_none"
	StepCompositeStatus    = "test_status"
	StepCompositeDate      = "test_date"
	StepCompositeComposite = "test_composite"
)

// LadderSession records which write-cost steps the caller has completed.
// It is held by the caller and round-tripped on every ladder request.
type LadderSession struct {
	Completed []int `json:"completed"`
}

// Has reports whether step k has been completed.
func (s *LadderSession) Has(k int) bool {
	if s == nil {
		return false
	}
	for _, c := range s.Completed {
		if c == k {
			return true
		}
	}
	return false
}

// Advance marks step k done and forgets every step above it.
func (s LadderSession) Advance(k int) LadderSession {
	next := LadderSession{Completed: make([]int, 0, k+1)}
	for _, c := range s.Completed {
		if c < k {
			next.Completed = append(next.Completed, c)
		}
	}
	next.Completed = append(next.Completed, k)
	sort.Ints(next.Completed)
	return next
}

// StepRequest asks the orchestrator to run one experiment step.
type StepRequest struct {
	Family    Family         `json:"family"`
	Step      string         `json:"step"`
	Threshold float64        `json:"threshold,omitempty"`
	Session   *LadderSession `json:"session,omitempty"`
}

// LadderStep parses Step as a write-cost ladder index.
func (r StepRequest) LadderStep() (int, error) {
	k, err := strconv.Atoi(strings.TrimSpace(r.Step))
	if err != nil || k < 0 {
		return 0, fmt.Errorf("step %q is not a ladder index", r.Step)
	}
	return k, nil
}

// StepResult is the measured outcome of one experiment step.
type StepResult struct {
	RunID        string         `json:"runId"`
	Family       Family         `json:"family"`
	Step         string         `json:"step"`
	Scan         ScanInfo       `json:"scan"`
	RowsScanned  int64          `json:"rowsScanned"`
	RowsRemoved  int64          `json:"rowsRemoved"`
	RowsReturned int64          `json:"rowsReturned"`
	Cost         float64        `json:"cost"`
	DurationMs   float64        `json:"duration"`
	IndexName    string         `json:"indexName"`
	IndexSet     []string       `json:"indexSet"`
	TableRows    int64          `json:"tableRows"`
	Threshold    float64        `json:"threshold,omitempty"`
	Message      string         `json:"message,omitempty"`
	Session      *LadderSession `json:"session,omitempty"`
}

// SeedStatus reports whether a family's table holds data.
type SeedStatus struct {
	Family Family `json:"family"`
	Count  int64  `json:"count"`
}

// Seeded reports whether the table has any rows.
func (s SeedStatus) Seeded() bool {
	return s.Count > 0
}

// StepDefinition is one entry in an experiment's step catalog.
type StepDefinition struct {
	Family            Family      `json:"family"`
	StepID            string      `json:"step"`
	RequiredPreceding string      `json:"requiredPreceding,omitempty"`
	IndexState        []IndexSpec `json:"indexState,omitempty"`
	SeedsData         bool        `json:"seedsData"`
	RequiresSeed      bool        `json:"requiresSeed"`
}
