// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package translator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mobiletoly/go-sitesync/syncmodel"
)

var (
	ErrDependencyCycle   = errors.New("translator dependency cycle")
	ErrUnknownDependency = errors.New("translator depends on unregistered table")
	ErrNoTranslator      = errors.New("no translator for table")
)

// ResultKind tags the variant held by a Result.
type ResultKind int

const (
	ResultSkip ResultKind = iota
	ResultUpsert
	ResultDelete
)

func (k ResultKind) String() string {
	switch k {
	case ResultUpsert:
		return "upsert"
	case ResultDelete:
		return "delete"
	default:
		return "skip"
	}
}

// Result is the outcome of one translation. Incoming upserts carry Row,
// incoming deletes carry Table and RecordID, outgoing results carry Wire.
type Result struct {
	Kind     ResultKind
	Table    string
	RecordID string
	Row      Row
	Wire     *syncmodel.WireRecord
}

var skip = Result{Kind: ResultSkip}

// TranslateError reports a record that could not be translated. It always
// matches syncmodel.ErrParse.
type TranslateError struct {
	Table    string
	RecordID string
	Reason   string
	Err      error
}

func (e *TranslateError) Error() string {
	msg := fmt.Sprintf("cannot translate %s/%s: %s", e.Table, e.RecordID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TranslateError) Unwrap() []error {
	if e.Err == nil {
		return []error{syncmodel.ErrParse}
	}
	return []error{syncmodel.ErrParse, e.Err}
}

// Translator converts records of one internal table from and to one wire
// format.
type Translator interface {
	// Table is the internal table the translator reads and writes.
	Table() string
	Format() syncmodel.Format
	// WireTable is the table name used on the wire in Format.
	WireTable() string
	// Dependencies lists internal tables whose rows must be integrated first.
	Dependencies() []string
	TranslateIncoming(row syncmodel.BufferRow) (Result, error)
	TranslateOutgoing(change syncmodel.ChangelogRow, current map[string]any) (Result, error)
}

// Registry holds the translators of a process. The dependency order is
// computed once when the registry is built.
type Registry struct {
	translators []Translator
	byWireTable map[string][]Translator
	byTable     map[string][]Translator
	order       []string
	orderIdx    map[string]int
}

// NewRegistry validates the dependency graph and caches a topological order.
// A cycle or a dependency on an unregistered table is a configuration error.
func NewRegistry(translators ...Translator) (*Registry, error) {
	r := &Registry{
		translators: translators,
		byWireTable: make(map[string][]Translator),
		byTable:     make(map[string][]Translator),
	}
	dependencies := make(map[string][]string)
	for _, t := range translators {
		r.byWireTable[t.WireTable()] = append(r.byWireTable[t.WireTable()], t)
		r.byTable[t.Table()] = append(r.byTable[t.Table()], t)
		dependencies[t.Table()] = appendUnique(dependencies[t.Table()], t.Dependencies()...)
	}
	for table, deps := range dependencies {
		for _, dep := range deps {
			if _, ok := dependencies[dep]; !ok {
				return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, table, dep)
			}
		}
	}

	order, err := topologicalSort(dependencies)
	if err != nil {
		return nil, err
	}
	r.order = order
	r.orderIdx = make(map[string]int, len(order))
	for i, table := range order {
		r.orderIdx[table] = i
	}
	return r, nil
}

// Default returns a registry with the structured and legacy translators of
// every synchronized table.
func Default() (*Registry, error) {
	return NewRegistry(append(StructuredTranslators(), LegacyTranslators()...)...)
}

// Order returns internal tables, parents before children.
func (r *Registry) Order() []string {
	return append([]string(nil), r.order...)
}

// Rank returns the position of the internal table a wire table integrates
// into. ok is false for wire tables no translator knows about.
func (r *Registry) Rank(wireTable string) (int, bool) {
	ts := r.byWireTable[wireTable]
	if len(ts) == 0 {
		return 0, false
	}
	return r.orderIdx[ts[0].Table()], true
}

// Knows reports whether any translator accepts the wire table.
func (r *Registry) Knows(wireTable string) bool {
	return len(r.byWireTable[wireTable]) > 0
}

// Tables returns the registered internal table names in dependency order.
func (r *Registry) Tables() []string {
	return r.Order()
}

// TranslateIncoming asks every translator registered for the row's wire
// table, in registration order, until one does not skip.
func (r *Registry) TranslateIncoming(row syncmodel.BufferRow) (Result, error) {
	for _, t := range r.byWireTable[row.TableName] {
		res, err := t.TranslateIncoming(row)
		if err != nil {
			return Result{}, err
		}
		if res.Kind != ResultSkip {
			return res, nil
		}
	}
	return skip, nil
}

// TranslateOutgoing converts a changelog row for a peer speaking format.
func (r *Registry) TranslateOutgoing(format syncmodel.Format, change syncmodel.ChangelogRow, current map[string]any) (Result, error) {
	for _, t := range r.byTable[change.TableName] {
		if t.Format() != format {
			continue
		}
		res, err := t.TranslateOutgoing(change, current)
		if err != nil {
			return Result{}, err
		}
		if res.Kind != ResultSkip {
			return res, nil
		}
	}
	return skip, nil
}

// topologicalSort runs Kahn's algorithm with a sorted queue so the order is
// deterministic.
func topologicalSort(dependencies map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(dependencies))
	children := make(map[string][]string, len(dependencies))
	for table, deps := range dependencies {
		if _, ok := inDegree[table]; !ok {
			inDegree[table] = 0
		}
		for _, parent := range deps {
			inDegree[table]++
			children[parent] = append(children[parent], table)
		}
	}

	queue := make([]string, 0, len(inDegree))
	for table, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, table)
		}
	}
	sort.Strings(queue)

	insertSorted := func(t string) {
		i := sort.SearchStrings(queue, t)
		queue = append(queue, "")
		copy(queue[i+1:], queue[i:])
		queue[i] = t
	}

	result := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, child := range children[current] {
			inDegree[child]--
			if inDegree[child] == 0 {
				insertSorted(child)
			}
		}
	}

	if len(result) != len(inDegree) {
		var stuck []string
		for table, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, table)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return result, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
