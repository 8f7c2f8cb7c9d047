package workbook

import (
	"fmt"
	"strings"

	"github.com/quilldesk/sheetsense/internal/formula"
)

// Cell is one cell of a workbook snapshot. Formula is empty for cells
// that hold plain values.
type Cell struct {
	Sheet   string
	Address string
	Formula string
}

// Snapshot is the caller-provided view of a workbook at one moment.
// Cell order is preserved through the symbol table build.
type Snapshot struct {
	Cells []Cell
}

const (
	KindRange         = "range"
	KindDefinedName   = "defined_name"
	KindCellReference = "cell_reference"
)

// Usage is one formula location that references a symbol.
type Usage struct {
	Sheet      string
	Address    string
	Func       string // innermost enclosing function, empty at top level
	Complexity int    // complexity score of the hosting formula
}

// Entry collects everything known about one referenced name. Usages
// preserve encounter order across the snapshot.
type Entry struct {
	Name         string
	Kind         string
	Usages       []Usage
	InferredRole string
}

// Fact renders the entry as one context sentence for the assistant.
func (e *Entry) Fact() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is a %s used in %d formula(s)", e.Name, strings.ReplaceAll(e.Kind, "_", " "), len(e.Usages))
	if len(e.Usages) > 0 {
		u := e.Usages[0]
		if u.Sheet != "" {
			fmt.Fprintf(&b, ", first at %s!%s", u.Sheet, u.Address)
		} else {
			fmt.Fprintf(&b, ", first at %s", u.Address)
		}
	}
	if e.InferredRole != "" {
		fmt.Fprintf(&b, " (likely %s)", e.InferredRole)
	}
	return b.String()
}

// UnparsedCell records a cell whose formula could not be parsed. The
// build keeps going; failures stay local to the cell.
type UnparsedCell struct {
	Sheet   string
	Address string
	Err     error
}

// SymbolTable maps referenced names to their entries. It is rebuilt
// from scratch for every snapshot and never persisted.
type SymbolTable struct {
	entries  map[string]*Entry
	order    []string
	Unparsed []UnparsedCell
}

// Build walks every formula in the snapshot and indexes the cell
// references, ranges and defined names it finds. A formula that fails
// the structural pre-check or the parse is recorded in Unparsed and
// skipped.
func Build(snap Snapshot) *SymbolTable {
	t := &SymbolTable{entries: make(map[string]*Entry)}
	for _, cell := range snap.Cells {
		if strings.TrimSpace(cell.Formula) == "" {
			continue
		}
		if err := formula.Validate(cell.Formula); err != nil {
			t.Unparsed = append(t.Unparsed, UnparsedCell{Sheet: cell.Sheet, Address: cell.Address, Err: err})
			continue
		}
		node, err := formula.Parse(cell.Formula)
		if err != nil {
			t.Unparsed = append(t.Unparsed, UnparsedCell{Sheet: cell.Sheet, Address: cell.Address, Err: err})
			continue
		}
		collectSymbols(t, cell, node, "", formula.Complexity(node))
	}
	for _, name := range t.order {
		e := t.entries[name]
		e.InferredRole = inferRole(e)
	}
	return t
}

func collectSymbols(t *SymbolTable, cell Cell, node formula.Node, enclosing string, complexity int) {
	switch v := node.(type) {
	case *formula.CellRef:
		t.record(qualify(v.Sheet, cell.Sheet, v.Address), KindCellReference, cell, enclosing, complexity)
	case *formula.RangeRef:
		t.record(qualify(v.Sheet, cell.Sheet, v.Start+":"+v.End), KindRange, cell, enclosing, complexity)
	case *formula.Name:
		t.record(v.Ident, KindDefinedName, cell, enclosing, complexity)
	case *formula.Call:
		for _, arg := range v.Args {
			collectSymbols(t, cell, arg, strings.ToUpper(v.Func), complexity)
		}
	case *formula.Binary:
		collectSymbols(t, cell, v.Left, enclosing, complexity)
		collectSymbols(t, cell, v.Right, enclosing, complexity)
	case *formula.Unary:
		collectSymbols(t, cell, v.Operand, enclosing, complexity)
	}
}

func (t *SymbolTable) record(name, kind string, cell Cell, enclosing string, complexity int) {
	e, ok := t.entries[name]
	if !ok {
		e = &Entry{Name: name, Kind: kind}
		t.entries[name] = e
		t.order = append(t.order, name)
	}
	e.Usages = append(e.Usages, Usage{Sheet: cell.Sheet, Address: cell.Address, Func: enclosing, Complexity: complexity})
}

// qualify keys a reference by its own sheet prefix, falling back to the
// sheet of the cell whose formula holds it. An unqualified A1 on two
// different sheets must never alias into one entry.
func qualify(refSheet, hostSheet, ref string) string {
	sheet := refSheet
	if sheet == "" {
		sheet = hostSheet
	}
	if sheet == "" {
		return ref
	}
	return sheet + "!" + ref
}

var aggregateFuncs = map[string]struct{}{
	"SUM": {}, "AVERAGE": {}, "COUNT": {}, "COUNTA": {}, "MIN": {}, "MAX": {},
	"SUMIF": {}, "SUMIFS": {}, "COUNTIF": {}, "COUNTIFS": {}, "AVERAGEIF": {}, "AVERAGEIFS": {},
}

var lookupFuncs = map[string]struct{}{
	"VLOOKUP": {}, "HLOOKUP": {}, "XLOOKUP": {}, "INDEX": {}, "MATCH": {}, "LOOKUP": {},
}

// complexFormulaScore is the complexity above which a hosting formula
// counts as complex for role inference. A flat lookup scores below it;
// a nested one scores above.
const complexFormulaScore = 7

// inferRole guesses what a symbol is for from how its usages sit inside
// function calls. Mixed or function-free usage gets no role.
func inferRole(e *Entry) string {
	aggregate, lookup, volatile, maxComplexity := 0, 0, 0, 0
	for _, u := range e.Usages {
		if _, ok := aggregateFuncs[u.Func]; ok {
			aggregate++
		}
		if _, ok := lookupFuncs[u.Func]; ok {
			lookup++
		}
		if formula.IsVolatile(u.Func) {
			volatile++
		}
		if u.Complexity > maxComplexity {
			maxComplexity = u.Complexity
		}
	}
	switch {
	case lookup > 0 && lookup >= aggregate && e.Kind == KindRange:
		return "lookup table"
	case aggregate > 0 && aggregate == len(e.Usages):
		return "aggregation input"
	case volatile > 0 && volatile == len(e.Usages):
		return "volatile reference"
	case maxComplexity >= complexFormulaScore:
		return "input to a complex formula"
	default:
		return ""
	}
}

// Len reports how many distinct symbols the table holds.
func (t *SymbolTable) Len() int {
	return len(t.order)
}

// Entries returns all entries in build order.
func (t *SymbolTable) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.entries[name])
	}
	return out
}

// Lookup returns entries whose name appears in the query text,
// case-insensitively, in build order.
func (t *SymbolTable) Lookup(query string) []*Entry {
	q := strings.ToLower(query)
	var out []*Entry
	for _, name := range t.order {
		if strings.Contains(q, strings.ToLower(name)) {
			out = append(out, t.entries[name])
		}
	}
	return out
}
