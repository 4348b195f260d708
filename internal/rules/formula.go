package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/opensource-gaming/talon/internal/domain"
)

// EvaluateFormula computes a reward formula against player state. A formula
// that parses as a bare number is returned verbatim (fixed-amount rule).
// Anything else is parsed as an arithmetic expression over numeric state
// fields: numbers, identifiers, + - * /, unary minus and parentheses.
// Identifiers resolve by exact token match, never by substring.
func EvaluateFormula(formula string, state domain.PlayerState) (float64, error) {
	trimmed := strings.TrimSpace(formula)
	if trimmed == "" {
		return 0, fmt.Errorf("empty formula")
	}

	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return v, nil
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return 0, err
	}

	p := &parser{tokens: tokens, state: state}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.tokens) {
		return 0, fmt.Errorf("unexpected token %q", p.tokens[p.pos].text)
	}
	return v, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp     // + - * /
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string
	value float64 // for tokNumber
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")"})
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokOp, text: string(r)})
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			text := string(runes[start:i])
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, value: v})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i])})
		default:
			return nil, fmt.Errorf("unexpected character %q", string(r))
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty formula")
	}
	return tokens, nil
}

// parser is a recursive-descent evaluator over the token stream.
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = "-" unary | primary
//	primary = number | identifier | "(" expr ")"
type parser struct {
	tokens []token
	pos    int
	state  domain.PlayerState
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if t.text == "+" {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		if t.text == "*" {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

func (p *parser) parseUnary() (float64, error) {
	if t, ok := p.peek(); ok && t.kind == tokOp && t.text == "-" {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (float64, error) {
	t, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("unexpected end of formula")
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		return t.value, nil
	case tokIdent:
		p.pos++
		v, present := p.state.Number(t.text)
		if !present {
			return 0, fmt.Errorf("unknown variable %q", t.text)
		}
		return v, nil
	case tokLParen:
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	return 0, fmt.Errorf("unexpected token %q", t.text)
}
