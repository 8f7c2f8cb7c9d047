package formula

import (
	"strings"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokString
	tokBool
	tokCell
	tokRange
	tokIdent
	tokFunc
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	typ   tokenType
	value string
	sheet string
	pos   int
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

// tokenize scans the whole input. Any lexical problem is returned as a
// *ParseError pointing at the offending byte.
func (l *lexer) tokenize() ([]token, *ParseError) {
	tokens := make([]token, 0, 16)
	for {
		l.skipSpaces()
		if l.pos >= len(l.input) {
			tokens = append(tokens, token{typ: tokEOF, pos: l.pos})
			return tokens, nil
		}

		start := l.pos
		ch := l.input[l.pos]

		switch {
		case ch >= '0' && ch <= '9', ch == '.' && l.peekDigit(l.pos+1):
			tokens = append(tokens, l.lexNumber())
		case ch == '"':
			tok, err := l.lexString()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
		case isRefStart(ch):
			tok, err := l.lexReference()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
		case ch == '(':
			l.pos++
			tokens = append(tokens, token{typ: tokLParen, value: "(", pos: start})
		case ch == ')':
			l.pos++
			tokens = append(tokens, token{typ: tokRParen, value: ")", pos: start})
		case ch == ',':
			l.pos++
			tokens = append(tokens, token{typ: tokComma, value: ",", pos: start})
		case strings.ContainsRune("=<>+-*/^&%", rune(ch)):
			tokens = append(tokens, l.lexOperator())
		default:
			return nil, newParseError(l.input, start, "unexpected character")
		}
	}
}

func (l *lexer) skipSpaces() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\n' || l.input[l.pos] == '\r') {
		l.pos++
	}
}

func (l *lexer) peekDigit(at int) bool {
	return at < len(l.input) && l.input[at] >= '0' && l.input[at] <= '9'
}

func (l *lexer) lexNumber() token {
	start := l.pos
	seenDot := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch >= '0' && ch <= '9' {
			l.pos++
			continue
		}
		if ch == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	return token{typ: tokNumber, value: l.input[start:l.pos], pos: start}
}

func (l *lexer) lexString() (token, *ParseError) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '"' {
			// Doubled quote escapes a literal quote.
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '"' {
				sb.WriteByte('"')
				l.pos += 2
				continue
			}
			l.pos++
			return token{typ: tokString, value: sb.String(), pos: start}, nil
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return token{}, newParseError(l.input, start, "unterminated string literal")
}

func isRefStart(ch byte) bool {
	return ch == '$' || ch == '\'' || ch == '_' ||
		(ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z')
}

func isWordChar(ch byte) bool {
	return ch == '$' || ch == '_' || ch == '.' ||
		(ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') ||
		(ch >= '0' && ch <= '9')
}

// lexReference scans anything starting with a letter, $ or quoted sheet
// name: cell references, ranges, defined names, function names and the
// TRUE/FALSE literals.
func (l *lexer) lexReference() (token, *ParseError) {
	start := l.pos

	sheet, err := l.lexSheetPrefix()
	if err != nil {
		return token{}, err
	}

	first := l.lexWord()
	if first == "" {
		return token{}, newParseError(l.input, l.pos, "expected reference")
	}

	// A colon joins two reference parts into a range: A1:B10 or the
	// whole-column form D:F.
	if l.pos < len(l.input) && l.input[l.pos] == ':' && l.wordFollows(l.pos+1) {
		colon := l.pos
		l.pos++
		second := l.lexWord()
		if rangeParts(first, second) {
			return token{typ: tokRange, value: strings.ToUpper(stripAbs(first)) + ":" + strings.ToUpper(stripAbs(second)), sheet: sheet, pos: start}, nil
		}
		return token{}, newParseError(l.input, colon, "invalid range reference")
	}

	if isCellAddress(first) {
		return token{typ: tokCell, value: first, sheet: sheet, pos: start}, nil
	}
	if sheet != "" {
		return token{}, newParseError(l.input, start, "sheet-qualified name is not a cell or range")
	}

	switch strings.ToUpper(first) {
	case "TRUE", "FALSE":
		// A following parenthesis means TRUE()/FALSE() the functions.
		if !l.parenFollows() {
			return token{typ: tokBool, value: strings.ToUpper(first), pos: start}, nil
		}
	}

	if l.parenFollows() {
		return token{typ: tokFunc, value: strings.ToUpper(first), pos: start}, nil
	}
	return token{typ: tokIdent, value: first, pos: start}, nil
}

// lexSheetPrefix consumes "Sheet1!" or "'My Sheet'!" if present.
func (l *lexer) lexSheetPrefix() (string, *ParseError) {
	if l.pos < len(l.input) && l.input[l.pos] == '\'' {
		start := l.pos
		end := strings.IndexByte(l.input[l.pos+1:], '\'')
		if end < 0 {
			return "", newParseError(l.input, start, "unterminated sheet name")
		}
		name := l.input[l.pos+1 : l.pos+1+end]
		after := l.pos + 2 + end
		if after >= len(l.input) || l.input[after] != '!' {
			return "", newParseError(l.input, start, "quoted sheet name must be followed by '!'")
		}
		l.pos = after + 1
		return name, nil
	}

	// Bare sheet prefix: word directly followed by '!'.
	probe := l.pos
	for probe < len(l.input) && isWordChar(l.input[probe]) {
		probe++
	}
	if probe < len(l.input) && l.input[probe] == '!' && probe > l.pos {
		name := l.input[l.pos:probe]
		l.pos = probe + 1
		return name, nil
	}
	return "", nil
}

func (l *lexer) lexWord() string {
	start := l.pos
	for l.pos < len(l.input) && isWordChar(l.input[l.pos]) {
		l.pos++
	}
	return l.input[start:l.pos]
}

func (l *lexer) wordFollows(at int) bool {
	return at < len(l.input) && (l.input[at] == '$' || isLetter(l.input[at]))
}

func (l *lexer) parenFollows() bool {
	probe := l.pos
	for probe < len(l.input) && (l.input[probe] == ' ' || l.input[probe] == '\t') {
		probe++
	}
	return probe < len(l.input) && l.input[probe] == '('
}

func (l *lexer) lexOperator() token {
	start := l.pos
	rest := l.input[l.pos:]
	for _, op := range []string{"<=", ">=", "<>", "=", "<", ">", "+", "-", "*", "/", "^", "&", "%"} {
		if strings.HasPrefix(rest, op) {
			l.pos += len(op)
			return token{typ: tokOp, value: op, pos: start}
		}
	}
	// Unreachable: the dispatch switch guarantees one of the bytes above.
	l.pos++
	return token{typ: tokOp, value: string(l.input[start]), pos: start}
}

func isLetter(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z')
}

func stripAbs(s string) string {
	return strings.ReplaceAll(s, "$", "")
}

// isCellAddress reports whether s is a cell address like A1, $B$2 or
// AA100 (fixed-axis markers allowed).
func isCellAddress(s string) bool {
	i := 0
	if i < len(s) && s[i] == '$' {
		i++
	}
	letters := 0
	for i < len(s) && isLetter(s[i]) {
		letters++
		i++
	}
	if letters == 0 || letters > 3 {
		return false
	}
	if i < len(s) && s[i] == '$' {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		digits++
		i++
	}
	return digits > 0 && i == len(s)
}

// isColumnRef reports whether s names a bare column like D or $AB.
func isColumnRef(s string) bool {
	i := 0
	if i < len(s) && s[i] == '$' {
		i++
	}
	letters := 0
	for i < len(s) && isLetter(s[i]) {
		letters++
		i++
	}
	return letters > 0 && letters <= 3 && i == len(s)
}

// rangeParts accepts A1:B10 pairs and whole-column D:F pairs.
func rangeParts(a, b string) bool {
	if isCellAddress(a) && isCellAddress(b) {
		return true
	}
	return isColumnRef(a) && isColumnRef(b)
}
