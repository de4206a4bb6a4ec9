// Package plan decodes PostgreSQL EXPLAIN (ANALYZE, FORMAT JSON) output and
// derives scan classification and cost statistics from the resulting tree.
//
// Every function here is pure: trees are built once by Decode and only read
// afterwards, so results are safe to share between goroutines.
package plan

import (
	"fmt"
	"math"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/TFMV/queryscope/pkg/models"
)

// DefaultTopN is the number of nodes kept by TopCost in an Analysis.
const DefaultTopN = 3

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rawNode mirrors one object of the engine's JSON plan. Row counts are
// decoded as floats because newer servers report fractional per-loop averages.
type rawNode struct {
	NodeType            string    `json:"Node Type"`
	RelationName        string    `json:"Relation Name"`
	IndexName           string    `json:"Index Name"`
	ActualTotalTime     float64   `json:"Actual Total Time"`
	ActualRows          float64   `json:"Actual Rows"`
	ActualLoops         float64   `json:"Actual Loops"`
	RowsRemovedByFilter float64   `json:"Rows Removed by Filter"`
	TotalCost           float64   `json:"Total Cost"`
	Plans               []rawNode `json:"Plans"`
}

type rawExplain struct {
	Plan          *rawNode `json:"Plan"`
	PlanningTime  float64  `json:"Planning Time"`
	ExecutionTime float64  `json:"Execution Time"`
}

// Explain is a decoded plan document.
type Explain struct {
	Root        *models.PlanNode
	PlanningMs  float64
	ExecutionMs float64
}

// Decode parses the JSON document returned by EXPLAIN (ANALYZE, FORMAT JSON).
// The engine wraps the document in a one-element array; a bare object is
// accepted as well.
func Decode(raw []byte) (*Explain, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty plan document")
	}

	var doc rawExplain
	if strings.HasPrefix(trimmed, "[") {
		var docs []rawExplain
		if err := json.UnmarshalFromString(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("plan document has no entries")
		}
		doc = docs[0]
	} else if err := json.UnmarshalFromString(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	if doc.Plan == nil {
		return nil, fmt.Errorf("plan document has no Plan object")
	}

	return &Explain{
		Root:        convert(doc.Plan),
		PlanningMs:  doc.PlanningTime,
		ExecutionMs: doc.ExecutionTime,
	}, nil
}

func convert(n *rawNode) *models.PlanNode {
	node := &models.PlanNode{
		NodeType:            n.NodeType,
		RelationName:        n.RelationName,
		IndexName:           n.IndexName,
		ActualTotalTimeMs:   n.ActualTotalTime,
		ActualRows:          round(n.ActualRows),
		ActualLoops:         round(n.ActualLoops),
		RowsRemovedByFilter: round(n.RowsRemovedByFilter),
		TotalCost:           n.TotalCost,
	}
	if len(n.Plans) > 0 {
		node.Children = make([]*models.PlanNode, 0, len(n.Plans))
		for i := range n.Plans {
			node.Children = append(node.Children, convert(&n.Plans[i]))
		}
	}
	return node
}

func round(v float64) int64 {
	return int64(math.Round(v))
}

// Flatten lists every node in depth-first pre-order: parent before children,
// children left to right.
func Flatten(root *models.PlanNode) []models.NodeStat {
	if root == nil {
		return nil
	}
	var out []models.NodeStat
	var walk func(n *models.PlanNode)
	walk = func(n *models.PlanNode) {
		out = append(out, models.NodeStat{
			NodeType: n.NodeType,
			TimeMs:   n.ActualTotalTimeMs,
			Rows:     n.ActualRows,
		})
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

// TopCost returns the n most expensive nodes by actual time, descending.
// Ties keep their pre-order position. The input is not modified.
func TopCost(nodes []models.NodeStat, n int) []models.NodeStat {
	sorted := make([]models.NodeStat, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeMs > sorted[j].TimeMs
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// DrivingScan follows the first child from the root and returns the first
// node whose type names a scan, or nil when the path reaches a leaf without
// one. Only the leftmost path is inspected; scans on other branches (join
// inner sides, subplans) do not influence the result.
func DrivingScan(root *models.PlanNode) *models.PlanNode {
	for n := root; n != nil; {
		if n.IsScan() {
			return n
		}
		if n.IsLeaf() {
			return nil
		}
		n = n.Children[0]
	}
	return nil
}

// Classify derives the scan strategy from the driving path.
func Classify(root *models.PlanNode) models.ScanInfo {
	scan := DrivingScan(root)
	if scan == nil {
		return models.ScanInfo{
			Strategy: models.ScanNotApplicable,
			Note:     "no scan node on the driving path",
		}
	}

	info := models.ScanInfo{NodeType: scan.NodeType, IndexName: scan.IndexName}
	switch {
	case strings.Contains(scan.NodeType, "Seq Scan"):
		info.Strategy = models.ScanSequential
	case strings.Contains(scan.NodeType, "Index"):
		info.Strategy = models.ScanIndex
	default:
		info.Strategy = models.ScanBitmapOrOther
	}
	return info
}

// Analyze bundles flattening, ranking, classification and driving-scan row
// statistics for a decoded plan.
func Analyze(e *Explain) *models.PlanAnalysis {
	if e == nil || e.Root == nil {
		return Failed("no plan")
	}

	nodes := Flatten(e.Root)
	a := &models.PlanAnalysis{
		Root:         e.Root,
		Nodes:        nodes,
		TopCost:      TopCost(nodes, DefaultTopN),
		Scan:         Classify(e.Root),
		RowsReturned: ReturnedRows(e.Root),
		TotalCost:    e.Root.TotalCost,
		PlanningMs:   e.PlanningMs,
		ExecutionMs:  e.ExecutionMs,
	}

	if scan := DrivingScan(e.Root); scan != nil {
		a.RowsRemoved = scan.TotalRemoved()
		a.RowsScanned = scan.TotalRows() + a.RowsRemoved
		if a.Scan.IndexName == "" {
			a.Scan.IndexName = bitmapIndexName(scan)
		}
	}
	return a
}

// ReturnedRows is the row count a statement produced. Data-modifying plans
// report zero rows at the ModifyTable root, so its input's count is used.
func ReturnedRows(root *models.PlanNode) int64 {
	if root == nil {
		return 0
	}
	if root.NodeType == "ModifyTable" && !root.IsLeaf() {
		return root.Children[0].TotalRows()
	}
	return root.ActualRows
}

// bitmapIndexName finds the index feeding a bitmap heap scan.
func bitmapIndexName(scan *models.PlanNode) string {
	for _, c := range scan.Children {
		if c.IndexName != "" {
			return c.IndexName
		}
		if name := bitmapIndexName(c); name != "" {
			return name
		}
	}
	return ""
}

// Failed is the analysis recorded when the plan could not be obtained or
// decoded. The query itself is unaffected.
func Failed(reason string) *models.PlanAnalysis {
	return &models.PlanAnalysis{
		Scan: models.ScanInfo{
			Strategy: models.ScanExplainFailed,
			Note:     reason,
		},
	}
}

// Parse decodes and analyzes in one step, returning a Failed analysis instead
// of an error when the document is unusable.
func Parse(raw []byte) *models.PlanAnalysis {
	e, err := Decode(raw)
	if err != nil {
		return Failed(err.Error())
	}
	return Analyze(e)
}
