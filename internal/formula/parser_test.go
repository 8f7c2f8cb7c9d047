package formula

import (
	"errors"
	"testing"
)

func TestParseSimpleCall(t *testing.T) {
	node, err := Parse("=SUM(A1:A10)")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	call, ok := node.(*Call)
	if !ok {
		t.Fatalf("expected *Call, got %T", node)
	}
	if call.Func != "SUM" {
		t.Errorf("expected SUM, got %s", call.Func)
	}
	if len(call.Args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(call.Args))
	}
	rng, ok := call.Args[0].(*RangeRef)
	if !ok {
		t.Fatalf("expected *RangeRef arg, got %T", call.Args[0])
	}
	if rng.Start != "A1" || rng.End != "A10" {
		t.Errorf("expected A1:A10, got %s:%s", rng.Start, rng.End)
	}
}

func TestParseVlookup(t *testing.T) {
	node, err := Parse("=VLOOKUP(A2,D:F,2,FALSE)")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	call, ok := node.(*Call)
	if !ok {
		t.Fatalf("expected *Call, got %T", node)
	}
	if call.Func != "VLOOKUP" {
		t.Errorf("expected VLOOKUP, got %s", call.Func)
	}
	if len(call.Args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(call.Args))
	}
	if cell, ok := call.Args[0].(*CellRef); !ok || cell.Address != "A2" {
		t.Errorf("arg 0: expected cell A2, got %#v", call.Args[0])
	}
	if rng, ok := call.Args[1].(*RangeRef); !ok || rng.Start != "D" || rng.End != "F" {
		t.Errorf("arg 1: expected range D:F, got %#v", call.Args[1])
	}
	if num, ok := call.Args[2].(*Number); !ok || num.Value != 2 {
		t.Errorf("arg 2: expected number 2, got %#v", call.Args[2])
	}
	if b, ok := call.Args[3].(*Boolean); !ok || b.Value {
		t.Errorf("arg 3: expected FALSE, got %#v", call.Args[3])
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"unbalanced paren", "=SUM(A1:A10"},
		{"empty", ""},
		{"marker only", "="},
		{"trailing operator", "=A1+"},
		{"dangling close", "=A1)"},
		{"bad args separator", "=SUM(A1 A2)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			if err == nil {
				t.Fatalf("expected error for %q", tc.input)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
		})
	}
}

func TestParsePrecedence(t *testing.T) {
	node, err := Parse("=A1+B1*2")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	add, ok := node.(*Binary)
	if !ok || add.Op != "+" {
		t.Fatalf("expected top-level +, got %#v", node)
	}
	mul, ok := add.Right.(*Binary)
	if !ok || mul.Op != "*" {
		t.Fatalf("expected * on right, got %#v", add.Right)
	}
}

func TestParsePowerRightAssociative(t *testing.T) {
	node, err := Parse("=2^3^2")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	outer, ok := node.(*Binary)
	if !ok || outer.Op != "^" {
		t.Fatalf("expected ^, got %#v", node)
	}
	if _, ok := outer.Left.(*Number); !ok {
		t.Errorf("expected number on left, got %#v", outer.Left)
	}
	if inner, ok := outer.Right.(*Binary); !ok || inner.Op != "^" {
		t.Errorf("expected nested ^ on right, got %#v", outer.Right)
	}
}

func TestParseSheetQualifiedRef(t *testing.T) {
	node, err := Parse("='My Sheet'!B2+Data!C3")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	add := node.(*Binary)
	left := add.Left.(*CellRef)
	if left.Sheet != "My Sheet" || left.Address != "B2" {
		t.Errorf("expected 'My Sheet'!B2, got %q!%q", left.Sheet, left.Address)
	}
	right := add.Right.(*CellRef)
	if right.Sheet != "Data" || right.Address != "C3" {
		t.Errorf("expected Data!C3, got %q!%q", right.Sheet, right.Address)
	}
}

func TestParseAbsoluteRef(t *testing.T) {
	node, err := Parse("=$B$2")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cell := node.(*CellRef)
	if !cell.AbsCol || !cell.AbsRow {
		t.Errorf("expected absolute col and row, got %#v", cell)
	}
	if cell.Address != "B2" {
		t.Errorf("expected normalized address B2, got %s", cell.Address)
	}
}

func TestParseStringEscape(t *testing.T) {
	node, err := Parse(`=IF(A1="a""b",1,2)`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	call := node.(*Call)
	cmp := call.Args[0].(*Binary)
	str := cmp.Right.(*StringLit)
	if str.Value != `a"b` {
		t.Errorf("expected a\"b, got %q", str.Value)
	}
}

func TestParsePercentPostfix(t *testing.T) {
	node, err := Parse("=A1%")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	un, ok := node.(*Unary)
	if !ok || un.Op != "%" || !un.Postfix {
		t.Fatalf("expected postfix %%, got %#v", node)
	}
}

func TestParseBareBody(t *testing.T) {
	node, err := Parse("SUM(A1,B1)")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	call := node.(*Call)
	if call.Func != "SUM" || len(call.Args) != 2 {
		t.Errorf("expected SUM with 2 args, got %#v", call)
	}
}

func TestFunctionsExtraction(t *testing.T) {
	node, err := Parse("=IF(sum(A1:A3)>0,VLOOKUP(B1,D:F,2,FALSE),SUM(C1))")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	fns := Functions(node)
	want := []string{"IF", "SUM", "VLOOKUP"}
	if len(fns) != len(want) {
		t.Fatalf("expected %v, got %v", want, fns)
	}
	for i := range want {
		if fns[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], fns[i])
		}
	}
}

func TestIsVolatile(t *testing.T) {
	if !IsVolatile("now") || !IsVolatile("RAND") || !IsVolatile("Offset") {
		t.Error("expected NOW, RAND and OFFSET to be volatile")
	}
	if IsVolatile("SUM") {
		t.Error("SUM should not be volatile")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "=SUM(A1:A10)", false},
		{"valid bare", "A1+1", false},
		{"paren inside string", `=IF(A1="(",1,2)`, false},
		{"empty", "  ", true},
		{"marker only", "=", true},
		{"unbalanced open", "=SUM(A1", true},
		{"unbalanced close", "=A1)", true},
		{"bracket", "=A[1]", true},
		{"brace", "={1,2}", true},
		{"unterminated string", `=IF(A1="x`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.input)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %q", tc.input)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for %q: %v", tc.input, err)
			}
		})
	}
}

func TestComplexityOrdering(t *testing.T) {
	simple, err := Parse("=A1+1")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	lookup, err := Parse("=VLOOKUP(A2,D:F,MATCH(B1,A:A,0),FALSE)")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if Complexity(simple) >= Complexity(lookup) {
		t.Errorf("expected lookup formula to score higher: %d vs %d",
			Complexity(simple), Complexity(lookup))
	}
}
