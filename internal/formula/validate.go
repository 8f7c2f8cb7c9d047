package formula

import "strings"

// Validate runs cheap structural checks without building an AST. It
// catches unbalanced parentheses and characters that never appear in a
// well-formed formula. A nil return does not guarantee the formula
// parses, only that it is worth parsing.
func Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == "=" {
		return newParseError(text, 0, "empty formula")
	}

	depth := 0
	inString := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			if ch == '"' {
				if i+1 < len(text) && text[i+1] == '"' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return newParseError(text, i, "unbalanced parenthesis")
			}
		case '[', ']', '{', '}':
			return newParseError(text, i, "illegal character in formula")
		}
	}
	if inString {
		return newParseError(text, len(text), "unterminated string literal")
	}
	if depth != 0 {
		return newParseError(text, len(text), "unbalanced parenthesis")
	}
	return nil
}

// Functions whose presence alone bumps a formula's complexity. These
// tend to involve lookup tables, array semantics or nesting in practice.
var hardFunctions = map[string]struct{}{
	"VLOOKUP":      {},
	"HLOOKUP":      {},
	"XLOOKUP":      {},
	"INDEX":        {},
	"MATCH":        {},
	"INDIRECT":     {},
	"OFFSET":       {},
	"SUMPRODUCT":   {},
	"SUMIFS":       {},
	"COUNTIFS":     {},
	"AVERAGEIFS":   {},
	"ARRAYFORMULA": {},
}

// Complexity scores an AST. The number has no unit. It only orders
// formulas relative to each other: more calls, references and lookup
// machinery score higher.
func Complexity(node Node) int {
	score := 0
	Walk(node, func(n Node) bool {
		switch v := n.(type) {
		case *Call:
			score += 2
			if _, ok := hardFunctions[strings.ToUpper(v.Func)]; ok {
				score += 3
			}
		case *CellRef:
			score++
		case *RangeRef:
			score += 2
		}
		return true
	})
	return score
}
