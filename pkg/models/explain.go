package models

import "strings"

// PlanNode is one operator of an executed query plan. Trees are built once per
// explain call and never mutated afterwards.
type PlanNode struct {
	NodeType            string      `json:"nodeType"`
	RelationName        string      `json:"relationName,omitempty"`
	IndexName           string      `json:"indexName,omitempty"`
	ActualTotalTimeMs   float64     `json:"actualTotalTimeMs"`
	ActualRows          int64       `json:"actualRows"`
	ActualLoops         int64       `json:"actualLoops"`
	RowsRemovedByFilter int64       `json:"rowsRemovedByFilter"`
	TotalCost           float64     `json:"totalCost"`
	Children            []*PlanNode `json:"children,omitempty"`
}

// IsLeaf reports whether the node has no inputs.
func (n *PlanNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// IsScan reports whether the node reads a relation.
func (n *PlanNode) IsScan() bool {
	return strings.Contains(n.NodeType, "Scan")
}

// loops returns the loop count, treating a missing value as one.
func (n *PlanNode) loops() int64 {
	if n.ActualLoops <= 0 {
		return 1
	}
	return n.ActualLoops
}

// TotalRows returns rows produced across all loops.
func (n *PlanNode) TotalRows() int64 {
	return n.ActualRows * n.loops()
}

// TotalRemoved returns rows discarded by the node's filter across all loops.
func (n *PlanNode) TotalRemoved() int64 {
	return n.RowsRemovedByFilter * n.loops()
}

// NodeStat is the flattened per-node view used for cost ranking.
type NodeStat struct {
	NodeType string  `json:"nodeType"`
	TimeMs   float64 `json:"timeMs"`
	Rows     int64   `json:"rows"`
}

// ScanStrategy classifies how the plan reads its driving relation.
type ScanStrategy int

const (
	ScanNotApplicable ScanStrategy = iota
	ScanIndex
	ScanBitmapOrOther
	ScanSequential
	ScanUtilityCommand
	ScanExplainFailed
)

// String returns the string representation of the scan strategy.
func (s ScanStrategy) String() string {
	switch s {
	case ScanIndex:
		return "index_scan"
	case ScanBitmapOrOther:
		return "bitmap_or_other_scan"
	case ScanSequential:
		return "sequential_scan"
	case ScanUtilityCommand:
		return "utility_command"
	case ScanExplainFailed:
		return "explain_failed"
	case ScanNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the strategy as its string form.
func (s ScanStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the string form produced by MarshalText.
func (s *ScanStrategy) UnmarshalText(text []byte) error {
	for candidate := ScanNotApplicable; candidate <= ScanExplainFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	*s = ScanNotApplicable
	return nil
}

// ScanInfo pairs a strategy with the literal node label it was derived from.
type ScanInfo struct {
	Strategy  ScanStrategy `json:"strategy"`
	NodeType  string       `json:"nodeType,omitempty"`
	IndexName string       `json:"indexName,omitempty"`
	Note      string       `json:"note,omitempty"`
}

// Label is the display text for the scan: the engine's node type when one
// was found, otherwise the strategy name.
func (s ScanInfo) Label() string {
	if s.NodeType != "" {
		return s.NodeType
	}
	return s.Strategy.String()
}

// PlanAnalysis is everything derived from one executed plan.
type PlanAnalysis struct {
	Root         *PlanNode  `json:"-"`
	Nodes        []NodeStat `json:"nodes"`
	TopCost      []NodeStat `json:"topCost"`
	Scan         ScanInfo   `json:"scan"`
	RowsScanned  int64      `json:"rowsScanned"`
	RowsRemoved  int64      `json:"rowsRemoved"`
	RowsReturned int64      `json:"rowsReturned"`
	TotalCost    float64    `json:"totalCost"`
	PlanningMs   float64    `json:"planningMs"`
	ExecutionMs  float64    `json:"executionMs"`
}

// DurationMs is the engine-reported execution time, falling back to the root
// node's actual time when the execution total is absent.
func (a *PlanAnalysis) DurationMs() float64 {
	if a.ExecutionMs > 0 {
		return a.ExecutionMs
	}
	if a.Root != nil {
		return a.Root.ActualTotalTimeMs
	}
	return 0
}
