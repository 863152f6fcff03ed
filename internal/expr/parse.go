package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokNot    // !
	tokEq     // ==
	tokNotEq  // !=
	tokLess   // <
	tokLessEq // <=
	tokMore   // >
	tokMoreEq // >=
	tokAnd    // &&
	tokOr     // ||
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	src  string
	toks []token
	i    int
}

func newParser(src string) *parser {
	return &parser{src: src}
}

func (p *parser) lex() error {
	s := p.src
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			p.toks = append(p.toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			p.toks = append(p.toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			p.toks = append(p.toks, token{tokComma, ",", i})
			i++
		case c == '.':
			p.toks = append(p.toks, token{tokDot, ".", i})
			i++
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				p.toks = append(p.toks, token{tokNotEq, "!=", i})
				i += 2
			} else {
				p.toks = append(p.toks, token{tokNot, "!", i})
				i++
			}
		case c == '=':
			if i+1 < len(s) && s[i+1] == '=' {
				p.toks = append(p.toks, token{tokEq, "==", i})
				i += 2
			} else {
				return fmt.Errorf("unexpected '=' at offset %d", i)
			}
		case c == '<':
			if i+1 < len(s) && s[i+1] == '=' {
				p.toks = append(p.toks, token{tokLessEq, "<=", i})
				i += 2
			} else {
				p.toks = append(p.toks, token{tokLess, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				p.toks = append(p.toks, token{tokMoreEq, ">=", i})
				i += 2
			} else {
				p.toks = append(p.toks, token{tokMore, ">", i})
				i++
			}
		case c == '&':
			if i+1 < len(s) && s[i+1] == '&' {
				p.toks = append(p.toks, token{tokAnd, "&&", i})
				i += 2
			} else {
				return fmt.Errorf("unexpected '&' at offset %d", i)
			}
		case c == '|':
			if i+1 < len(s) && s[i+1] == '|' {
				p.toks = append(p.toks, token{tokOr, "||", i})
				i += 2
			} else {
				return fmt.Errorf("unexpected '|' at offset %d", i)
			}
		case c == '\'':
			j := i + 1
			var b strings.Builder
			for {
				if j >= len(s) {
					return fmt.Errorf("unterminated string at offset %d", i)
				}
				if s[j] == '\'' {
					if j+1 < len(s) && s[j+1] == '\'' {
						b.WriteByte('\'')
						j += 2
						continue
					}
					j++
					break
				}
				b.WriteByte(s[j])
				j++
			}
			p.toks = append(p.toks, token{tokString, b.String(), i})
			i = j
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.' || s[j] == 'e' || s[j] == 'E' || s[j] == '+' || s[j] == '-') {
				// Stop a trailing dot from swallowing a lookup that follows.
				if s[j] == '.' && (j+1 >= len(s) || s[j+1] < '0' || s[j+1] > '9') {
					break
				}
				j++
			}
			p.toks = append(p.toks, token{tokNumber, s[i:j], i})
			i = j
		case isIdentStart(rune(c)):
			j := i + 1
			for j < len(s) && isIdentPart(rune(s[j])) {
				j++
			}
			p.toks = append(p.toks, token{tokIdent, s[i:j], i})
			i = j
		default:
			return fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	p.toks = append(p.toks, token{tokEOF, "", len(s)})
	return nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token { t := p.toks[p.i]; p.i++; return t }

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, fmt.Errorf("expected %s at offset %d, found %q", what, t.pos, t.text)
	}
	return t, nil
}

// node is an evaluatable expression fragment.
type node interface {
	eval(ctx *Context) (any, error)
}

type literalNode struct{ v any }

func (n literalNode) eval(*Context) (any, error) { return n.v, nil }

type lookupNode struct{ path []string }

func (n lookupNode) eval(ctx *Context) (any, error) { return ctx.lookup(n.path), nil }

type notNode struct{ x node }

func (n notNode) eval(ctx *Context) (any, error) {
	v, err := n.x.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type binaryNode struct {
	op   tokenKind
	l, r node
}

func (n binaryNode) eval(ctx *Context) (any, error) {
	lv, err := n.l.eval(ctx)
	if err != nil {
		return nil, err
	}
	// && and || short-circuit and yield the deciding operand, matching the
	// dialect's value-passing behavior.
	switch n.op {
	case tokAnd:
		if !truthy(lv) {
			return lv, nil
		}
		return n.r.eval(ctx)
	case tokOr:
		if truthy(lv) {
			return lv, nil
		}
		return n.r.eval(ctx)
	}
	rv, err := n.r.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokEq:
		return equals(lv, rv), nil
	case tokNotEq:
		return !equals(lv, rv), nil
	}
	c, err := compare(lv, rv)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokLess:
		return c < 0, nil
	case tokLessEq:
		return c <= 0, nil
	case tokMore:
		return c > 0, nil
	case tokMoreEq:
		return c >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator")
}

type callNode struct {
	name string
	args []node
}

func (n callNode) eval(ctx *Context) (any, error) {
	argv := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(ctx)
		if err != nil {
			return nil, err
		}
		argv[i] = v
	}
	name := strings.ToLower(n.name)
	switch name {
	case "success":
		return ctx.Status == StatusSuccess, nil
	case "failure":
		return ctx.Status == StatusFailure, nil
	case "cancelled", "canceled":
		return ctx.Status == StatusCancelled, nil
	case "always":
		return true, nil
	}
	switch name {
	case "contains", "startswith", "endswith":
		if len(argv) != 2 {
			return nil, fmt.Errorf("%s() takes two arguments", n.name)
		}
		a := strings.ToLower(stringify(argv[0]))
		b := strings.ToLower(stringify(argv[1]))
		switch name {
		case "contains":
			return strings.Contains(a, b), nil
		case "startswith":
			return strings.HasPrefix(a, b), nil
		default:
			return strings.HasSuffix(a, b), nil
		}
	}
	return nil, fmt.Errorf("unknown function %q", n.name)
}

// parse builds the AST for the whole source. Grammar, loosest first:
//
//	or     <- and ('||' and)*
//	and    <- cmp ('&&' cmp)*
//	cmp    <- unary (('=='|'!='|'<'|'<='|'>'|'>=') unary)*
//	unary  <- '!' unary | primary
//	primary<- literal | call | lookup | '(' or ')'
func (p *parser) parse() (node, error) {
	if err := p.lex(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	n, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		n = binaryNode{tokOr, n, r}
	}
	return n, nil
}

func (p *parser) parseAnd() (node, error) {
	n, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		r, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		n = binaryNode{tokAnd, n, r}
	}
	return n, nil
}

func (p *parser) parseCmp() (node, error) {
	n, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		k := p.peek().kind
		switch k {
		case tokEq, tokNotEq, tokLess, tokLessEq, tokMore, tokMoreEq:
			p.next()
			r, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			n = binaryNode{k, n, r}
		default:
			return n, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literalNode{t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return literalNode{f}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literalNode{true}, nil
		case "false":
			return literalNode{false}, nil
		case "null":
			return literalNode{nil}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			var args []node
			if p.peek().kind != tokRParen {
				for {
					a, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, a)
					if p.peek().kind != tokComma {
						break
					}
					p.next()
				}
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return callNode{t.text, args}, nil
		}
		path := []string{t.text}
		for p.peek().kind == tokDot {
			p.next()
			part, err := p.expect(tokIdent, "identifier")
			if err != nil {
				return nil, err
			}
			path = append(path, part.text)
		}
		return lookupNode{path}, nil
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
}
