package syntax

import (
	"fmt"
	"strings"

	"github.com/lemonberrylabs/aggexpr/pkg/expr"
)

// MaxExpressionLength is the maximum allowed length for a single expression.
const MaxExpressionLength = 4096

// MaxNesting bounds bracket and call nesting inside one expression.
const MaxNesting = 64

// Parser is a recursive descent parser producing expression trees.
type Parser struct {
	tokens []Token
	pos    int
	depth  int
}

// ParseExpression parses an expression string (without the ${} wrapper).
func ParseExpression(input string) (expr.Node, error) {
	if len(input) > MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", MaxExpressionLength)
	}

	tokens, err := NewLexer(input).Tokenize()
	if err != nil {
		return nil, fmt.Errorf("lexer error: %w", err)
	}

	p := &Parser{tokens: tokens}
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.current().Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %s at position %d", p.current().Type, p.current().Pos)
	}
	return node, nil
}

// ParseTemplate parses a string that may contain ${} expressions. ok is false
// when s contains none, in which case s is a plain string. A string that is
// exactly one ${...} yields that expression; text mixed with expressions
// yields a $concat.
func ParseTemplate(s string) (node expr.Node, ok bool, err error) {
	if !strings.Contains(s, "${") {
		return nil, false, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		inner := trimmed[2 : len(trimmed)-1]
		if isBalanced(inner) && !strings.Contains(inner, "${") {
			n, err := ParseExpression(inner)
			return n, true, err
		}
	}

	n, err := parseInterpolation(s)
	return n, true, err
}

// isBalanced checks if a string has balanced braces, brackets, and parens.
func isBalanced(s string) bool {
	depth := 0
	inStr := false
	strChar := byte(0)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' && i+1 < len(s) {
				i++
				continue
			}
			if ch == strChar {
				inStr = false
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			inStr = true
			strChar = ch
			continue
		}
		switch ch {
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// parseInterpolation turns "a ${x} b" into {"$concat": ["a ", x, " b"]}.
func parseInterpolation(s string) (expr.Node, error) {
	var parts []expr.Node
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			parts = append(parts, expr.Literal(s[i:]))
			break
		}
		if idx > 0 {
			parts = append(parts, expr.Literal(s[i:i+idx]))
		}

		start := i + idx + 2
		depth := 1
		j := start
		inStr := false
		strChar := byte(0)
		for j < len(s) && depth > 0 {
			ch := s[j]
			switch {
			case inStr && ch == '\\' && j+1 < len(s):
				j++
			case inStr && ch == strChar:
				inStr = false
			case inStr:
			case ch == '"' || ch == '\'':
				inStr = true
				strChar = ch
			case ch == '{':
				depth++
			case ch == '}':
				depth--
			}
			j++
		}
		if depth != 0 {
			return nil, fmt.Errorf("unmatched ${ in string")
		}

		src := s[start : j-1]
		node, err := ParseExpression(src)
		if err != nil {
			return nil, fmt.Errorf("error in expression ${%s}: %w", src, err)
		}
		parts = append(parts, node)
		i = j
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return expr.Concat(parts...), nil
}

func (p *Parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peek() Token {
	if p.pos+1 >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos+1]
}

func (p *Parser) advance() Token {
	tok := p.current()
	p.pos++
	return tok
}

func (p *Parser) expect(tt TokenType) (Token, error) {
	tok := p.current()
	if tok.Type != tt {
		return tok, fmt.Errorf("expected %s, got %s at position %d", tt, tok.Type, tok.Pos)
	}
	p.advance()
	return tok, nil
}

// parseExpression handles the lowest precedence operators.
// Precedence (low to high):
//
//	or
//	and
//	not
//	in, not in
//	==, !=, <, >, <=, >=
//	+, -
//	*, /, %
//	unary -
//	path, index, call
func (p *Parser) parseExpression() (expr.Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxNesting {
		return nil, fmt.Errorf("expression nesting exceeds %d levels at position %d", MaxNesting, p.current().Pos)
	}
	return p.parseOr()
}

// parseVariadic folds a chain of the same operator into one n-ary node, so
// "a or b or c" becomes {"$or": [a, b, c]}.
func (p *Parser) parseVariadic(tt TokenType, op string, next func() (expr.Node, error)) (expr.Node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	if p.current().Type != tt {
		return left, nil
	}
	args := []expr.Node{left}
	for p.current().Type == tt {
		p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	return expr.Operator(op, args...), nil
}

func (p *Parser) parseOr() (expr.Node, error) {
	return p.parseVariadic(TokenOr, "$or", p.parseAnd)
}

func (p *Parser) parseAnd() (expr.Node, error) {
	return p.parseVariadic(TokenAnd, "$and", p.parseNotExpr)
}

func (p *Parser) parseNotExpr() (expr.Node, error) {
	if p.current().Type == TokenNot && p.peek().Type != TokenIn {
		p.advance()
		operand, err := p.parseNotExpr()
		if err != nil {
			return nil, err
		}
		return expr.Not(operand), nil
	}
	return p.parseComparison()
}

var comparisonOps = map[TokenType]string{
	TokenEq:  "$eq",
	TokenNeq: "$ne",
	TokenLt:  "$lt",
	TokenGt:  "$gt",
	TokenLte: "$lte",
	TokenGte: "$gte",
}

func (p *Parser) parseComparison() (expr.Node, error) {
	left, err := p.parseAddition()
	if err != nil {
		return nil, err
	}

	if op, ok := comparisonOps[p.current().Type]; ok {
		p.advance()
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}
		return expr.Operator(op, left, right), nil
	}

	switch p.current().Type {
	case TokenIn:
		p.advance()
		right, err := p.parseAddition()
		if err != nil {
			return nil, err
		}
		return expr.In(left, right), nil
	case TokenNot:
		if p.peek().Type == TokenIn {
			p.advance()
			p.advance()
			right, err := p.parseAddition()
			if err != nil {
				return nil, err
			}
			return expr.Not(expr.In(left, right)), nil
		}
	}
	return left, nil
}

func (p *Parser) parseAddition() (expr.Node, error) {
	left, err := p.parseMultiplication()
	if err != nil {
		return nil, err
	}

	for p.current().Type == TokenPlus || p.current().Type == TokenMinus {
		op := p.advance().Type
		right, err := p.parseMultiplication()
		if err != nil {
			return nil, err
		}
		if op == TokenPlus {
			left = expr.Add(left, right)
		} else {
			left = expr.Subtract(left, right)
		}
	}
	return left, nil
}

func (p *Parser) parseMultiplication() (expr.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		var build func(a, b expr.Node) expr.Node
		switch p.current().Type {
		case TokenStar:
			build = func(a, b expr.Node) expr.Node { return expr.Multiply(a, b) }
		case TokenSlash:
			build = func(a, b expr.Node) expr.Node { return expr.Divide(a, b) }
		case TokenPercent:
			build = func(a, b expr.Node) expr.Node { return expr.Mod(a, b) }
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = build(left, right)
	}
}

func (p *Parser) parseUnary() (expr.Node, error) {
	if p.current().Type != TokenMinus {
		return p.parsePostfix()
	}
	p.advance()
	// Fold negative number literals.
	switch tok := p.current(); tok.Type {
	case TokenInt:
		p.advance()
		return expr.Literal(-tok.IntVal), nil
	case TokenFloat:
		p.advance()
		return expr.Literal(-tok.FloatVal), nil
	}
	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return expr.Multiply(expr.Literal(-1), operand), nil
}

func (p *Parser) parsePostfix() (expr.Node, error) {
	tok := p.current()
	if tok.Type == TokenIdent && p.peek().Type == TokenLParen {
		p.advance()
		node, err := p.parseCall(tok)
		if err != nil {
			return nil, err
		}
		return p.parseIndexes(node)
	}

	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parseIndexes(node)
}

func (p *Parser) parseIndexes(node expr.Node) (expr.Node, error) {
	for p.current().Type == TokenLBracket {
		p.advance()
		index, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRBracket); err != nil {
			return nil, fmt.Errorf("expected ']': %w", err)
		}
		node = expr.ArrayElemAt(node, index)
	}
	return node, nil
}

// parsePath reads the ".segment" suffixes following a name.
func (p *Parser) parsePath(head string) (string, error) {
	path := head
	for p.current().Type == TokenDot {
		p.advance()
		seg, err := p.expect(TokenIdent)
		if err != nil {
			return "", fmt.Errorf("expected field name after '.': %w", err)
		}
		path += "." + seg.StrVal
	}
	return path, nil
}

func (p *Parser) parsePrimary() (expr.Node, error) {
	tok := p.current()

	switch tok.Type {
	case TokenInt:
		p.advance()
		return expr.Literal(tok.IntVal), nil
	case TokenFloat:
		p.advance()
		return expr.Literal(tok.FloatVal), nil
	case TokenString:
		p.advance()
		return expr.Literal(tok.StrVal), nil
	case TokenTrue:
		p.advance()
		return expr.Literal(true), nil
	case TokenFalse:
		p.advance()
		return expr.Literal(false), nil
	case TokenNull:
		p.advance()
		return expr.Literal(nil), nil
	case TokenIdent:
		p.advance()
		path, err := p.parsePath(tok.StrVal)
		if err != nil {
			return nil, err
		}
		return expr.Field(path), nil
	case TokenVariable:
		p.advance()
		path, err := p.parsePath(tok.StrVal)
		if err != nil {
			return nil, err
		}
		return expr.Variable(path), nil
	case TokenLParen:
		p.advance()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, fmt.Errorf("expected ')': %w", err)
		}
		return inner, nil
	case TokenLBracket:
		elements, err := p.parseList(TokenLBracket, TokenRBracket)
		if err != nil {
			return nil, err
		}
		return expr.Array(elements...), nil
	case TokenLBrace:
		keys, values, err := p.parseMapLiteral()
		if err != nil {
			return nil, err
		}
		obj := expr.ObjectOf(keys, values)
		if err := obj.Err(); err != nil {
			return nil, fmt.Errorf("map literal at position %d: %w", tok.Pos, err)
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unexpected token %s (%q) at position %d", tok.Type, tok.Value, tok.Pos)
	}
}

// parseList parses open expr, expr, ... close.
func (p *Parser) parseList(open, close TokenType) ([]expr.Node, error) {
	if _, err := p.expect(open); err != nil {
		return nil, err
	}
	var elements []expr.Node
	for p.current().Type != close {
		if len(elements) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return nil, fmt.Errorf("expected ',': %w", err)
			}
		}
		elem, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		elements = append(elements, elem)
	}
	if _, err := p.expect(close); err != nil {
		return nil, err
	}
	return elements, nil
}

// parseMapLiteral parses { key: value, ... } where keys are names or strings.
func (p *Parser) parseMapLiteral() ([]string, []expr.Node, error) {
	if _, err := p.expect(TokenLBrace); err != nil {
		return nil, nil, err
	}
	var keys []string
	var values []expr.Node
	for p.current().Type != TokenRBrace {
		if len(keys) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return nil, nil, fmt.Errorf("expected ',' in map literal: %w", err)
			}
		}
		key := p.current()
		if key.Type != TokenIdent && key.Type != TokenString {
			return nil, nil, fmt.Errorf("expected map key, got %s at position %d", key.Type, key.Pos)
		}
		p.advance()
		if _, err := p.expect(TokenColon); err != nil {
			return nil, nil, fmt.Errorf("expected ':' in map literal: %w", err)
		}
		value, err := p.parseExpression()
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, key.StrVal)
		values = append(values, value)
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return nil, nil, fmt.Errorf("expected '}': %w", err)
	}
	return keys, values, nil
}

// parseCall parses name(args...). Binding constructs get their own forms:
//
//	map(input, item, expr)
//	filter(input, item, cond)
//	reduce(input, initialValue, expr)
//	let({name: value, ...}, body)
func (p *Parser) parseCall(name Token) (expr.Node, error) {
	switch name.StrVal {
	case "let":
		return p.parseLet()
	case "map", "filter", "reduce":
		args, err := p.parseList(TokenLParen, TokenRParen)
		if err != nil {
			return nil, err
		}
		if len(args) != 3 {
			return nil, fmt.Errorf("%s expects 3 arguments, got %d at position %d", name.StrVal, len(args), name.Pos)
		}
		return buildIteration(name.StrVal, args)
	}

	arity, ok := expr.Operators[name.StrVal]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at position %d", name.StrVal, name.Pos)
	}
	args, err := p.parseList(TokenLParen, TokenRParen)
	if err != nil {
		return nil, err
	}
	if !arity.Accepts(len(args)) {
		return nil, fmt.Errorf("%s does not accept %d argument(s)", name.StrVal, len(args))
	}
	return expr.Operator(arity.Op, args...), nil
}

func (p *Parser) parseLet() (expr.Node, error) {
	if _, err := p.expect(TokenLParen); err != nil {
		return nil, err
	}
	if p.current().Type != TokenLBrace {
		return nil, fmt.Errorf("let expects a map of variables at position %d", p.current().Pos)
	}
	names, values, err := p.parseMapLiteral()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenComma); err != nil {
		return nil, fmt.Errorf("let expects a body expression: %w", err)
	}
	body, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenRParen); err != nil {
		return nil, fmt.Errorf("expected ')': %w", err)
	}

	vars := make([]expr.ExpressionVariable, len(names))
	for i, n := range names {
		vars[i] = expr.NewVariable(n).ForExpression(values[i])
	}
	return expr.Define(vars...).AndApply(body)
}

func buildIteration(kind string, args []expr.Node) (expr.Node, error) {
	src := expr.ExpressionSource(args[0])
	if field, ok := args[0].(*expr.FieldNode); ok {
		src = expr.FieldSource(field.Path())
	}

	if kind == "reduce" {
		return expr.Reduce(src).StartingWith(args[1]).AndApply(args[2])
	}
	item, err := itemName(kind, args[1])
	if err != nil {
		return nil, err
	}
	if kind == "map" {
		return expr.ForEachItemIn(src).As(item).AndApply(args[2])
	}
	return expr.FilterItemsIn(src).As(item).By(args[2])
}

func itemName(kind string, n expr.Node) (string, error) {
	field, ok := n.(*expr.FieldNode)
	if !ok || strings.Contains(field.Path(), ".") {
		return "", fmt.Errorf("%s expects a bare item name as its second argument", kind)
	}
	return field.Path(), nil
}
