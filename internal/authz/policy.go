package authz

import (
	"strconv"
	"strings"
	"unicode"

	"datagate/internal/filter"
	"datagate/internal/gateway"
)

// CompilePolicy turns a database policy string into a predicate tree.
// @claims.x references are replaced with the caller's claim values at
// compile time; @item.x references stay symbolic as column fields.
//
// Grammar: comparisons with eq ne gt ge lt le, combined with and/or/not and
// parentheses. Literals are single-quoted strings, numbers, true, false and
// null.
func CompilePolicy(policy string, principal Principal) (filter.Expr, error) {
	toks, err := tokenizePolicy(policy)
	if err != nil {
		return nil, err
	}
	p := &policyParser{toks: toks, principal: principal, src: policy}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, gateway.AuthorizationFailed("policy %q: unexpected %q", policy, p.peek().text)
	}
	return expr, nil
}

type policyToken struct {
	kind string // ident, string, number, lparen, rparen, item, claims
	text string
}

func tokenizePolicy(src string) ([]policyToken, error) {
	var toks []policyToken
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			toks = append(toks, policyToken{kind: "lparen"})
			i++
		case ch == ')':
			toks = append(toks, policyToken{kind: "rparen"})
			i++
		case ch == '\'':
			j := i + 1
			var sb strings.Builder
			for {
				if j >= len(src) {
					return nil, gateway.AuthorizationFailed("policy has unterminated string literal")
				}
				if src[j] == '\'' {
					if j+1 < len(src) && src[j+1] == '\'' {
						sb.WriteByte('\'')
						j += 2
						continue
					}
					break
				}
				sb.WriteByte(src[j])
				j++
			}
			toks = append(toks, policyToken{kind: "string", text: sb.String()})
			i = j + 1
		case ch == '@':
			j := i + 1
			for j < len(src) && (isIdentChar(src[j]) || src[j] == '.') {
				j++
			}
			ref := src[i:j]
			switch {
			case strings.HasPrefix(ref, "@item."):
				toks = append(toks, policyToken{kind: "item", text: ref[len("@item."):]})
			case strings.HasPrefix(ref, "@claims."):
				toks = append(toks, policyToken{kind: "claims", text: ref[len("@claims."):]})
			default:
				return nil, gateway.AuthorizationFailed("policy reference %q must start with @item. or @claims.", ref)
			}
			i = j
		case ch == '-' || unicode.IsDigit(rune(ch)):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, policyToken{kind: "number", text: src[i:j]})
			i = j
		case isIdentChar(ch):
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			toks = append(toks, policyToken{kind: "ident", text: strings.ToLower(src[i:j])})
			i = j
		default:
			return nil, gateway.AuthorizationFailed("policy has unexpected character %q", string(ch))
		}
	}
	return toks, nil
}

func isIdentChar(ch byte) bool {
	return ch == '_' || unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch))
}

type policyParser struct {
	toks      []policyToken
	pos       int
	principal Principal
	src       string
}

func (p *policyParser) eof() bool { return p.pos >= len(p.toks) }

func (p *policyParser) peek() policyToken {
	if p.eof() {
		return policyToken{}
	}
	return p.toks[p.pos]
}

func (p *policyParser) next() policyToken {
	t := p.peek()
	p.pos++
	return t
}

func (p *policyParser) parseOr() (filter.Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "ident" && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = filter.Logic{Op: filter.OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *policyParser) parseAnd() (filter.Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == "ident" && p.peek().text == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = filter.Logic{Op: filter.OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *policyParser) parseUnary() (filter.Expr, error) {
	if p.peek().kind == "ident" && p.peek().text == "not" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return filter.Not{Operand: inner}, nil
	}
	return p.parsePrimary()
}

func (p *policyParser) parsePrimary() (filter.Expr, error) {
	if p.peek().kind == "lparen" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != "rparen" {
			return nil, gateway.AuthorizationFailed("policy %q: missing closing parenthesis", p.src)
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *policyParser) parseComparison() (filter.Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	opTok := p.next()
	op, ok := compareOps[opTok.text]
	if opTok.kind != "ident" || !ok {
		return nil, gateway.AuthorizationFailed("policy %q: expected comparison operator, got %q", p.src, opTok.text)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return filter.Compare{Op: op, Left: left, Right: right}, nil
}

var compareOps = map[string]filter.CompareOp{
	"eq": filter.OpEq, "ne": filter.OpNe,
	"gt": filter.OpGt, "ge": filter.OpGe,
	"lt": filter.OpLt, "le": filter.OpLe,
}

func (p *policyParser) parseOperand() (filter.Expr, error) {
	tok := p.next()
	switch tok.kind {
	case "item":
		if tok.text == "" {
			return nil, gateway.AuthorizationFailed("policy %q: @item. needs a column name", p.src)
		}
		return filter.Field{Name: tok.text}, nil
	case "claims":
		v, ok := p.principal.Claims[tok.text]
		if !ok {
			return nil, gateway.AuthorizationFailed("policy requires claim %q which the caller does not have", tok.text)
		}
		return filter.Literal{Value: v}, nil
	case "string":
		return filter.Literal{Value: tok.text}, nil
	case "number":
		if strings.Contains(tok.text, ".") {
			f, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, gateway.AuthorizationFailed("policy %q: bad number %q", p.src, tok.text)
			}
			return filter.Literal{Value: f}, nil
		}
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, gateway.AuthorizationFailed("policy %q: bad number %q", p.src, tok.text)
		}
		return filter.Literal{Value: n}, nil
	case "ident":
		switch tok.text {
		case "true":
			return filter.Literal{Value: true}, nil
		case "false":
			return filter.Literal{Value: false}, nil
		case "null":
			return filter.Literal{Value: nil}, nil
		}
	}
	return nil, gateway.AuthorizationFailed("policy %q: unexpected operand %q", p.src, tok.text)
}
