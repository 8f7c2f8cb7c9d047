// Package formula parses spreadsheet formula expressions into an AST and
// exposes traversal helpers for reference extraction. Parsing is pure:
// text in, tree or *ParseError out.
package formula

import (
	"fmt"
	"strings"
)

// Node is one node of a parsed formula tree. The concrete types form a
// closed set; consumers traverse with Walk and an explicit type switch.
type Node interface {
	// Pos returns the byte offset of the node in the original input.
	Pos() int
	String() string
}

// Number is a numeric literal.
type Number struct {
	Value  float64
	Offset int
}

// StringLit is a quoted string literal.
type StringLit struct {
	Value  string
	Offset int
}

// Boolean is a TRUE/FALSE literal.
type Boolean struct {
	Value  bool
	Offset int
}

// CellRef is a single-cell reference, optionally sheet-qualified.
// Address is normalized upper-case with fixed-axis markers stripped;
// AbsCol/AbsRow record the markers.
type CellRef struct {
	Sheet   string
	Address string
	AbsCol  bool
	AbsRow  bool
	Offset  int
}

// RangeRef is a rectangular range reference such as A1:A10 or a whole
// column span such as D:F, optionally sheet-qualified.
type RangeRef struct {
	Sheet  string
	Start  string
	End    string
	Offset int
}

// Name is a defined-name reference (named range or other user symbol).
type Name struct {
	Ident  string
	Offset int
}

// Call is a function call. Unknown function names parse fine; the call is
// kept as an opaque node for the symbol table to inspect.
type Call struct {
	Func   string
	Args   []Node
	Offset int
}

// Binary is a binary operator application.
type Binary struct {
	Op          string
	Left, Right Node
	Offset      int
}

// Unary is a prefix +/- or postfix % application.
type Unary struct {
	Op      string
	Operand Node
	Postfix bool
	Offset  int
}

func (n *Number) Pos() int    { return n.Offset }
func (n *StringLit) Pos() int { return n.Offset }
func (n *Boolean) Pos() int   { return n.Offset }
func (n *CellRef) Pos() int   { return n.Offset }
func (n *RangeRef) Pos() int  { return n.Offset }
func (n *Name) Pos() int      { return n.Offset }
func (n *Call) Pos() int      { return n.Offset }
func (n *Binary) Pos() int    { return n.Offset }
func (n *Unary) Pos() int     { return n.Offset }

func (n *Number) String() string {
	if n.Value == float64(int64(n.Value)) {
		return fmt.Sprintf("%d", int64(n.Value))
	}
	return fmt.Sprintf("%g", n.Value)
}

func (n *StringLit) String() string {
	return `"` + strings.ReplaceAll(n.Value, `"`, `""`) + `"`
}

func (n *Boolean) String() string {
	if n.Value {
		return "TRUE"
	}
	return "FALSE"
}

func (n *CellRef) String() string {
	if n.Sheet != "" {
		return n.Sheet + "!" + n.Address
	}
	return n.Address
}

func (n *RangeRef) String() string {
	ref := n.Start + ":" + n.End
	if n.Sheet != "" {
		return n.Sheet + "!" + ref
	}
	return ref
}

func (n *Name) String() string { return n.Ident }

func (n *Call) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Func + "(" + strings.Join(args, ",") + ")"
}

func (n *Binary) String() string {
	return "(" + n.Left.String() + n.Op + n.Right.String() + ")"
}

func (n *Unary) String() string {
	if n.Postfix {
		return "(" + n.Operand.String() + n.Op + ")"
	}
	return n.Op + n.Operand.String()
}

// Walk calls fn for node and every descendant in depth-first order. If fn
// returns false the walk stops descending below that node.
func Walk(node Node, fn func(Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	switch n := node.(type) {
	case *Call:
		for _, arg := range n.Args {
			Walk(arg, fn)
		}
	case *Binary:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Unary:
		Walk(n.Operand, fn)
	}
}

// Functions returns every function name called anywhere in the tree, in
// encounter order, upper-cased and deduplicated.
func Functions(node Node) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	Walk(node, func(n Node) bool {
		if call, ok := n.(*Call); ok {
			name := strings.ToUpper(call.Func)
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
		return true
	})
	return out
}

// volatileFunctions recompute on every workbook change.
var volatileFunctions = map[string]struct{}{
	"NOW": {}, "TODAY": {}, "RAND": {}, "RANDBETWEEN": {},
	"OFFSET": {}, "INDIRECT": {}, "INFO": {}, "CELL": {},
}

// IsVolatile reports whether name is a volatile spreadsheet function.
func IsVolatile(name string) bool {
	_, ok := volatileFunctions[strings.ToUpper(name)]
	return ok
}
