package workbook

import (
	"strings"
	"testing"
)

func snapshotWithOneBadFormula() Snapshot {
	return Snapshot{Cells: []Cell{
		{Sheet: "Sheet1", Address: "B1", Formula: "=SUM(A1:A10)"},
		{Sheet: "Sheet1", Address: "B2", Formula: "=A1+A2"},
		{Sheet: "Sheet1", Address: "B3", Formula: "=SUM(A1:A10"}, // unbalanced
		{Sheet: "Sheet1", Address: "B4", Formula: "=AVERAGE(A1:A10)"},
		{Sheet: "Sheet1", Address: "B5", Formula: "=VLOOKUP(A1,Prices,2,FALSE)"},
		{Sheet: "Sheet1", Address: "B6", Formula: "=MAX(A1:A10)"},
		{Sheet: "Sheet1", Address: "B7", Formula: "=B1*2"},
		{Sheet: "Sheet1", Address: "B8", Formula: "=IF(B1>0,B2,0)"},
		{Sheet: "Sheet1", Address: "B9", Formula: ""},
		{Sheet: "Sheet1", Address: "B10", Formula: "=COUNT(A1:A10)"},
	}}
}

func TestBuildIsolatesParseFailures(t *testing.T) {
	table := Build(snapshotWithOneBadFormula())
	if len(table.Unparsed) != 1 {
		t.Fatalf("expected 1 unparsed cell, got %d", len(table.Unparsed))
	}
	if table.Unparsed[0].Address != "B3" {
		t.Errorf("expected B3 unparsed, got %s", table.Unparsed[0].Address)
	}
	if table.Len() == 0 {
		t.Error("expected entries from the valid formulas")
	}
}

func TestBuildEntryKindsAndUsages(t *testing.T) {
	table := Build(snapshotWithOneBadFormula())

	entries := table.Entries()
	byName := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}

	rng, ok := byName["Sheet1!A1:A10"]
	if !ok {
		t.Fatal("expected entry for Sheet1!A1:A10")
	}
	if rng.Kind != KindRange {
		t.Errorf("expected kind range, got %s", rng.Kind)
	}
	if len(rng.Usages) != 4 {
		t.Errorf("expected 4 usages of A1:A10, got %d", len(rng.Usages))
	}
	if rng.Usages[0].Address != "B1" || rng.Usages[0].Func != "SUM" {
		t.Errorf("expected first usage B1 inside SUM, got %+v", rng.Usages[0])
	}

	name, ok := byName["Prices"]
	if !ok {
		t.Fatal("expected entry for defined name Prices")
	}
	if name.Kind != KindDefinedName {
		t.Errorf("expected kind defined_name, got %s", name.Kind)
	}

	cell, ok := byName["Sheet1!A1"]
	if !ok {
		t.Fatal("expected entry for Sheet1!A1")
	}
	if cell.Kind != KindCellReference {
		t.Errorf("expected kind cell_reference, got %s", cell.Kind)
	}
}

func TestBuildDeterministicOrder(t *testing.T) {
	first := Build(snapshotWithOneBadFormula()).Entries()
	second := Build(snapshotWithOneBadFormula()).Entries()
	if len(first) != len(second) {
		t.Fatalf("entry counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Name != second[i].Name {
			t.Errorf("position %d: %s vs %s", i, first[i].Name, second[i].Name)
		}
	}
	if first[0].Name != "Sheet1!A1:A10" {
		t.Errorf("expected first entry from first formula, got %s", first[0].Name)
	}
}

func TestInferRole(t *testing.T) {
	snap := Snapshot{Cells: []Cell{
		{Sheet: "S", Address: "C1", Formula: "=VLOOKUP(A1,PriceTable,2,FALSE)"},
		{Sheet: "S", Address: "C2", Formula: "=SUM(D1:D5)"},
		{Sheet: "S", Address: "C3", Formula: "=AVERAGE(D1:D5)"},
		{Sheet: "S", Address: "C4", Formula: "=OFFSET(E1,1,0)"},
		{Sheet: "S", Address: "C5", Formula: "=VLOOKUP(F2,G:H,MATCH(F1,G:G,0),FALSE)"},
	}}
	table := Build(snap)
	byName := make(map[string]*Entry)
	for _, e := range table.Entries() {
		byName[e.Name] = e
	}
	if got := byName["S!D1:D5"].InferredRole; got != "aggregation input" {
		t.Errorf("expected aggregation input, got %q", got)
	}
	// A defined name is not a range, so no lookup-table role.
	if got := byName["PriceTable"].InferredRole; got != "" {
		t.Errorf("expected no role for defined name, got %q", got)
	}
	if got := byName["S!E1"].InferredRole; got != "volatile reference" {
		t.Errorf("expected volatile reference, got %q", got)
	}
	// F2 sits inside a nested lookup, which scores as complex.
	if got := byName["S!F2"].InferredRole; got != "input to a complex formula" {
		t.Errorf("expected complex-formula role, got %q", got)
	}
}

func TestBuildKeysUnqualifiedRefsByHostSheet(t *testing.T) {
	snap := Snapshot{Cells: []Cell{
		{Sheet: "Q1", Address: "B1", Formula: "=SUM(A1:A10)"},
		{Sheet: "Q2", Address: "B1", Formula: "=SUM(A1:A10)"},
	}}
	table := Build(snap)
	byName := make(map[string]*Entry)
	for _, e := range table.Entries() {
		byName[e.Name] = e
	}

	if _, aliased := byName["A1:A10"]; aliased {
		t.Fatal("unqualified range must not be keyed without its host sheet")
	}
	for _, name := range []string{"Q1!A1:A10", "Q2!A1:A10"} {
		e, ok := byName[name]
		if !ok {
			t.Fatalf("expected entry for %s", name)
		}
		if len(e.Usages) != 1 {
			t.Errorf("%s: expected 1 usage, got %d", name, len(e.Usages))
		}
	}
}

func TestBuildRejectsStructurallyInvalidFormulas(t *testing.T) {
	snap := Snapshot{Cells: []Cell{
		{Sheet: "S", Address: "A1", Formula: "={1,2}"},
		{Sheet: "S", Address: "A2", Formula: "=SUM(B1:B3)"},
	}}
	table := Build(snap)
	if len(table.Unparsed) != 1 || table.Unparsed[0].Address != "A1" {
		t.Fatalf("expected A1 rejected, got %+v", table.Unparsed)
	}
	if table.Len() == 0 {
		t.Error("expected the valid formula to be indexed")
	}
}

func TestLookupByQueryContainment(t *testing.T) {
	table := Build(snapshotWithOneBadFormula())
	hits := table.Lookup("why does prices return #N/A in my vlookup?")
	if len(hits) != 1 || hits[0].Name != "Prices" {
		t.Fatalf("expected Prices hit, got %+v", hits)
	}
	if table.Lookup("unrelated question") != nil {
		t.Error("expected no hits for unrelated query")
	}
}

func TestEntryFact(t *testing.T) {
	table := Build(snapshotWithOneBadFormula())
	var prices *Entry
	for _, e := range table.Entries() {
		if e.Name == "Prices" {
			prices = e
		}
	}
	if prices == nil {
		t.Fatal("expected Prices entry")
	}
	fact := prices.Fact()
	if fact == "" {
		t.Fatal("expected non-empty fact")
	}
	for _, want := range []string{"Prices", "defined name", "Sheet1!B5"} {
		if !strings.Contains(fact, want) {
			t.Errorf("fact %q missing %q", fact, want)
		}
	}
}
