package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError describes a malformed formula. It carries the byte offset
// and the offending substring so callers can point at the problem
// without re-scanning the input.
type ParseError struct {
	Input  string
	Offset int
	Near   string
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse formula: %s at offset %d near %q", e.Msg, e.Offset, e.Near)
}

const parseErrorContext = 12

func newParseError(input string, offset int, msg string) *ParseError {
	if offset > len(input) {
		offset = len(input)
	}
	end := offset + parseErrorContext
	if end > len(input) {
		end = len(input)
	}
	return &ParseError{Input: input, Offset: offset, Near: input[offset:end], Msg: msg}
}

type parser struct {
	input  string
	tokens []token
	pos    int
}

// Parse parses one formula into its AST. The text may carry a leading
// "=" marker or be a bare formula body. Unknown function names are kept
// as opaque call nodes. All failures return a *ParseError.
func Parse(text string) (Node, error) {
	body := 0
	for body < len(text) && (text[body] == ' ' || text[body] == '\t') {
		body++
	}
	if body < len(text) && text[body] == '=' {
		body++
	}

	lx := newLexer(text)
	lx.pos = body
	tokens, lexErr := lx.tokenize()
	if lexErr != nil {
		return nil, lexErr
	}
	if len(tokens) == 1 { // EOF only
		return nil, newParseError(text, body, "empty formula")
	}

	p := &parser{input: text, tokens: tokens}
	node, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.cur().typ != tokEOF {
		return nil, newParseError(text, p.cur().pos, "unexpected token after expression")
	}
	return node, nil
}

func (p *parser) cur() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) errHere(msg string) *ParseError {
	return newParseError(p.input, p.cur().pos, msg)
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for p.cur().typ == tokOp {
		switch p.cur().value {
		case "=", "<>", "<", "<=", ">", ">=":
			tok := p.advance()
			right, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: tok.value, Left: left, Right: right, Offset: left.Pos()}
		default:
			return left, nil
		}
	}
	return left, nil
}

func (p *parser) parseConcat() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.cur().typ == tokOp && p.cur().value == "&" {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "&", Left: left, Right: right, Offset: left.Pos()}
	}
	return left, nil
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().typ == tokOp && (p.cur().value == "+" || p.cur().value == "-") {
		tok := p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: tok.value, Left: left, Right: right, Offset: left.Pos()}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for p.cur().typ == tokOp && (p.cur().value == "*" || p.cur().value == "/") {
		tok := p.advance()
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: tok.value, Left: left, Right: right, Offset: left.Pos()}
	}
	return left, nil
}

func (p *parser) parsePower() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	// Right-associative.
	if p.cur().typ == tokOp && p.cur().value == "^" {
		p.advance()
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: "^", Left: left, Right: right, Offset: left.Pos()}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.cur().typ == tokOp && (p.cur().value == "+" || p.cur().value == "-") {
		tok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: tok.value, Operand: operand, Offset: tok.pos}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur().typ == tokOp && p.cur().value == "%" {
		p.advance()
		node = &Unary{Op: "%", Operand: node, Postfix: true, Offset: node.Pos()}
	}
	return node, nil
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.cur()
	switch tok.typ {
	case tokNumber:
		p.advance()
		val, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, newParseError(p.input, tok.pos, "invalid number")
		}
		return &Number{Value: val, Offset: tok.pos}, nil

	case tokString:
		p.advance()
		return &StringLit{Value: tok.value, Offset: tok.pos}, nil

	case tokBool:
		p.advance()
		return &Boolean{Value: tok.value == "TRUE", Offset: tok.pos}, nil

	case tokCell:
		p.advance()
		return cellRefFromToken(tok), nil

	case tokRange:
		p.advance()
		start, end, _ := strings.Cut(tok.value, ":")
		return &RangeRef{Sheet: tok.sheet, Start: start, End: end, Offset: tok.pos}, nil

	case tokIdent:
		p.advance()
		return &Name{Ident: tok.value, Offset: tok.pos}, nil

	case tokFunc:
		return p.parseCall()

	case tokLParen:
		p.advance()
		node, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if p.cur().typ != tokRParen {
			return nil, p.errHere("expected closing parenthesis")
		}
		p.advance()
		return node, nil

	case tokEOF:
		return nil, p.errHere("unexpected end of formula")

	default:
		return nil, p.errHere("unexpected token")
	}
}

func (p *parser) parseCall() (Node, error) {
	funcTok := p.advance()
	if p.cur().typ != tokLParen {
		return nil, p.errHere("expected '(' after function name")
	}
	p.advance()

	args := make([]Node, 0, 4)
	if p.cur().typ == tokRParen {
		p.advance()
		return &Call{Func: funcTok.value, Args: args, Offset: funcTok.pos}, nil
	}

	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		switch p.cur().typ {
		case tokRParen:
			p.advance()
			return &Call{Func: funcTok.value, Args: args, Offset: funcTok.pos}, nil
		case tokComma:
			p.advance()
		case tokEOF:
			return nil, p.errHere("unbalanced parenthesis in function call")
		default:
			return nil, p.errHere("expected ',' or ')' in function arguments")
		}
	}
}

func cellRefFromToken(tok token) *CellRef {
	ref := &CellRef{Sheet: tok.sheet, Offset: tok.pos}
	val := tok.value
	if strings.HasPrefix(val, "$") {
		ref.AbsCol = true
		val = val[1:]
	}
	if i := strings.IndexByte(val, '$'); i >= 0 {
		ref.AbsRow = true
		val = val[:i] + val[i+1:]
	}
	ref.Address = strings.ToUpper(val)
	return ref
}
