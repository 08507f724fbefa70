package decision

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Condition is a parsed branch condition. Evaluation never fails: missing
// fields evaluate to nil and mismatched comparisons are false.
type Condition struct {
	source string
	root   node
}

func (c *Condition) String() string {
	return c.source
}

func (c *Condition) Match(vars map[string]any) bool {
	return truthy(c.root.eval(vars))
}

// ParseCondition compiles the closed condition language:
//
//	expr       = or
//	or         = and { ("||" | "or") and }
//	and        = unary { ("&&" | "and") unary }
//	unary      = ("!" | "not") unary | comparison
//	comparison = operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=" | "in" | "contains") operand ]
//	operand    = string | number | "true" | "false" | "null" | list | field | "(" expr ")"
//	list       = "[" [ operand { "," operand } ] "]"
//	field      = ident { "." ident }
//	ident      = letter { letter | digit | "_" }
//
// Letters are any Unicode letters. "-" never joins an identifier, so
// usage-5 is the field usage followed by the number -5.
func ParseCondition(src string) (*Condition, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
	return &Condition{source: src, root: root}, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c, size := utf8.DecodeRuneInString(src[i:])
		if c == utf8.RuneError && size == 1 {
			return nil, fmt.Errorf("invalid UTF-8 at offset %d", i)
		}
		switch {
		case unicode.IsSpace(c):
			i += size
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case c == '"' || c == '\'':
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tokString, s, i})
			i = next
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(rune(src[i+1]))):
			start := i
			i++
			for i < len(src) && (isDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) {
				r, n := utf8.DecodeRuneInString(src[i:])
				if !isIdentPart(r) {
					break
				}
				i += n
			}
			tokens = append(tokens, token{tokIdent, src[start:i], start})
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					tokens = append(tokens, token{tokOp, op, i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if c == '<' || c == '>' || c == '!' {
				tokens = append(tokens, token{tokOp, string(c), i})
				i++
				continue
			}
			if c == '=' {
				// A single = is accepted as equality.
				tokens = append(tokens, token{tokOp, "==", i})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(tokens, token{tokEOF, "", len(src)}), nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			if i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(src[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

func isIdentStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

func isIdentPart(c rune) bool {
	return unicode.IsLetter(c) || isDigit(c) || c == '_' || c == '.'
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isKeyword(tok token, words ...string) bool {
	if tok.kind != tokOp && tok.kind != tokIdent {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(tok.text, w) {
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword(p.peek(), "||", "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword(p.peek(), "&&", "and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isKeyword(p.peek(), "!", "not") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = []string{"==", "!=", "<", "<=", ">", ">=", "in", "contains"}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	tok := p.peek()
	if !p.isKeyword(tok, comparisonOps...) {
		return left, nil
	}
	p.next()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: strings.ToLower(tok.text), left: left, right: right}, nil
}

func (p *parser) parseOperand() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return literal{tok.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", tok.text, tok.pos)
		}
		return literal{f}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at offset %d", closing.pos)
		}
		return inner, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		case "and", "or", "not", "in", "contains":
			return nil, fmt.Errorf("unexpected keyword %q at offset %d", tok.text, tok.pos)
		}
		if strings.HasPrefix(tok.text, ".") || strings.HasSuffix(tok.text, ".") || strings.Contains(tok.text, "..") {
			return nil, fmt.Errorf("invalid field path %q at offset %d", tok.text, tok.pos)
		}
		return field{path: strings.Split(tok.text, ".")}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of condition")
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
	}
}

func (p *parser) parseList() (node, error) {
	var items []node
	if p.peek().kind == tokRBracket {
		p.next()
		return list{items}, nil
	}
	for {
		item, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		items = append(items, item)

		tok := p.next()
		switch tok.kind {
		case tokComma:
			continue
		case tokRBracket:
			return list{items}, nil
		default:
			return nil, fmt.Errorf("expected , or ] at offset %d", tok.pos)
		}
	}
}

type node interface {
	eval(vars map[string]any) any
}

type literal struct{ value any }

func (l literal) eval(map[string]any) any { return l.value }

type list struct{ items []node }

func (l list) eval(vars map[string]any) any {
	out := make([]any, len(l.items))
	for i, item := range l.items {
		out[i] = item.eval(vars)
	}
	return out
}

type field struct{ path []string }

func (f field) eval(vars map[string]any) any {
	var cur any = vars
	for _, part := range f.path {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil
			}
			cur = v
		default:
			return nil
		}
	}
	return cur
}

type notNode struct{ operand node }

func (n notNode) eval(vars map[string]any) any { return !truthy(n.operand.eval(vars)) }

type andNode struct{ left, right node }

func (n andNode) eval(vars map[string]any) any {
	return truthy(n.left.eval(vars)) && truthy(n.right.eval(vars))
}

type orNode struct{ left, right node }

func (n orNode) eval(vars map[string]any) any {
	return truthy(n.left.eval(vars)) || truthy(n.right.eval(vars))
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(vars map[string]any) any {
	l, r := n.left.eval(vars), n.right.eval(vars)
	switch n.op {
	case "==":
		return equal(l, r)
	case "!=":
		return !equal(l, r)
	case "in":
		return contains(r, l)
	case "contains":
		return contains(l, r)
	default:
		return order(n.op, l, r)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

// number converts Go numeric types to float64. Strings are not coerced here.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// numericPair coerces both sides to numbers when at least one side already is
// one and the other is a numeric string, as context values often come from
// string-typed labels.
func numericPair(l, r any) (float64, float64, bool) {
	lf, lok := number(l)
	rf, rok := number(r)
	if lok && rok {
		return lf, rf, true
	}
	if lok {
		if s, ok := r.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return lf, f, true
			}
		}
	}
	if rok {
		if s, ok := l.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, rf, true
			}
		}
	}
	return 0, 0, false
}

func equal(l, r any) bool {
	if lf, rf, ok := numericPair(l, r); ok {
		return lf == rf
	}
	switch lt := l.(type) {
	case nil:
		return r == nil
	case string:
		rs, ok := r.(string)
		return ok && lt == rs
	case bool:
		rb, ok := r.(bool)
		return ok && lt == rb
	}
	return reflect.DeepEqual(l, r)
}

func order(op string, l, r any) bool {
	if lf, rf, ok := numericPair(l, r); ok {
		switch op {
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

// contains reports whether haystack holds needle: element membership for
// lists, substring for strings, key presence for maps.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case nil:
		return false
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case map[string]any:
		n, ok := needle.(string)
		if !ok {
			return false
		}
		_, exists := h[n]
		return exists
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}
