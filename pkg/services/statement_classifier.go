// Package services contains business logic implementations.
package services

import (
	"fmt"
	"regexp"
	"strings"
)

// StatementType represents how the executor will run a statement.
type StatementType int

const (
	StatementTypeSelect  StatementType = iota // SELECT ...
	StatementTypeExplain                      // EXPLAIN [ANALYZE] ...
	StatementTypeModify                       // INSERT, UPDATE, DELETE, MERGE that passed the guard
	StatementTypeUtility                      // anything else that passed the guard
	StatementTypeRejected                     // blocked by the safety guard
)

// String returns the string representation of the statement type.
func (st StatementType) String() string {
	switch st {
	case StatementTypeSelect:
		return "SELECT"
	case StatementTypeExplain:
		return "EXPLAIN"
	case StatementTypeModify:
		return "MODIFY"
	case StatementTypeUtility:
		return "UTILITY"
	case StatementTypeRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Verdict is the classifier's decision for one statement.
type Verdict struct {
	Allowed  bool
	Type     StatementType
	Fragment string // denylisted fragment that caused a rejection
	Reason   string
	// Executes is set for EXPLAIN ANALYZE, whose reported duration includes
	// really running the wrapped statement.
	Executes bool
	// ReturnsRows is set for utility statements that produce a result set
	// (SHOW, VALUES, TABLE, WITH, FETCH, CALL).
	ReturnsRows bool
}

// denylistEntry pairs a display fragment with its whitespace-tolerant pattern.
type denylistEntry struct {
	fragment string
	pattern  *regexp.Regexp
}

// StatementClassifier decides whether free-text SQL may run and how.
// Matching is substring based on the lower-cased text, so a fragment inside
// an identifier (e.g. a column named last_update) also matches.
type StatementClassifier struct {
	allowedPrefixes []string
	denylist        []denylistEntry
	modifyPattern   *regexp.Regexp
	analyzePattern  *regexp.Regexp
	rowsPattern     *regexp.Regexp
}

// defaultDenylist holds destructive phrase fragments.
var defaultDenylist = []string{
	"drop table",
	"truncate",
	"alter table",
	"grant",
	"revoke",
	"insert into",
	"update",
	"delete from",
	"create table",
	"drop database",
}

// NewStatementClassifier creates a classifier with the default rules.
func NewStatementClassifier() *StatementClassifier {
	return NewStatementClassifierWithDenylist(defaultDenylist)
}

// NewStatementClassifierWithDenylist creates a classifier with a custom denylist.
func NewStatementClassifierWithDenylist(fragments []string) *StatementClassifier {
	sc := &StatementClassifier{
		allowedPrefixes: []string{"select", "explain"},
		modifyPattern:   regexp.MustCompile(`^(insert|update|delete|merge)\b`),
		analyzePattern:  regexp.MustCompile(`^explain\s*(\([^)]*\banalyze\b|analyze\b)`),
		rowsPattern:     regexp.MustCompile(`^(show|values|table|with|fetch|call)\b`),
	}
	for _, f := range fragments {
		words := strings.Fields(strings.ToLower(f))
		if len(words) == 0 {
			continue
		}
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		sc.denylist = append(sc.denylist, denylistEntry{
			fragment: strings.Join(words, " "),
			pattern:  regexp.MustCompile(strings.Join(quoted, `\s+`)),
		})
	}
	return sc
}

// Classify applies the rules in order: an allowed prefix wins outright, a
// denylisted fragment rejects, and everything else runs as a utility or
// modifying statement.
func (sc *StatementClassifier) Classify(sql string) Verdict {
	q := strings.ToLower(strings.TrimSpace(sql))

	for _, prefix := range sc.allowedPrefixes {
		if !strings.HasPrefix(q, prefix) {
			continue
		}
		if prefix == "select" {
			return Verdict{Allowed: true, Type: StatementTypeSelect}
		}
		return Verdict{
			Allowed:  true,
			Type:     StatementTypeExplain,
			Executes: sc.analyzePattern.MatchString(q),
		}
	}

	for _, entry := range sc.denylist {
		if entry.pattern.MatchString(q) {
			return Verdict{
				Allowed:  false,
				Type:     StatementTypeRejected,
				Fragment: entry.fragment,
				Reason:   fmt.Sprintf("statement contains %q and was blocked by the safety guard; only SELECT or EXPLAIN may use destructive keywords", entry.fragment),
			}
		}
	}

	if sc.modifyPattern.MatchString(q) {
		return Verdict{Allowed: true, Type: StatementTypeModify}
	}
	return Verdict{Allowed: true, Type: StatementTypeUtility, ReturnsRows: sc.rowsPattern.MatchString(q)}
}

// ClassifyStatement returns only the statement type.
func (sc *StatementClassifier) ClassifyStatement(sql string) StatementType {
	return sc.Classify(sql).Type
}

// IsQueryStatement reports whether the statement returns a result set.
func (sc *StatementClassifier) IsQueryStatement(sql string) bool {
	t := sc.ClassifyStatement(sql)
	return t == StatementTypeSelect || t == StatementTypeExplain
}

// IsCacheable reports whether results of the statement may be cached.
func (sc *StatementClassifier) IsCacheable(sql string) bool {
	return sc.ClassifyStatement(sql) == StatementTypeSelect
}
