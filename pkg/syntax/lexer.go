package syntax

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Lexer tokenizes an expression string.
type Lexer struct {
	input  string
	pos    int
	tokens []Token
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Tokenize scans the entire input and returns all tokens.
func (l *Lexer) Tokenize() ([]Token, error) {
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	return l.tokens, nil
}

var twoCharTokens = map[string]TokenType{
	"==": TokenEq,
	"!=": TokenNeq,
	"<=": TokenLte,
	">=": TokenGte,
}

var oneCharTokens = map[byte]TokenType{
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenStar,
	'/': TokenSlash,
	'%': TokenPercent,
	'<': TokenLt,
	'>': TokenGt,
	'(': TokenLParen,
	')': TokenRParen,
	'[': TokenLBracket,
	']': TokenRBracket,
	'{': TokenLBrace,
	'}': TokenRBrace,
	'.': TokenDot,
	',': TokenComma,
	':': TokenColon,
}

var keywords = map[string]TokenType{
	"true":  TokenTrue,
	"True":  TokenTrue,
	"false": TokenFalse,
	"False": TokenFalse,
	"null":  TokenNull,
	"and":   TokenAnd,
	"or":    TokenOr,
	"not":   TokenNot,
	"in":    TokenIn,
}

// next returns the next token from the input.
func (l *Lexer) next() (Token, error) {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}, nil
	}

	ch := l.input[l.pos]

	if ch == '"' || ch == '\'' {
		return l.readString(ch)
	}
	if ch >= '0' && ch <= '9' {
		return l.readNumber()
	}
	if ch == '$' {
		return l.readReference()
	}

	if l.pos+1 < len(l.input) {
		two := l.input[l.pos : l.pos+2]
		if tt, ok := twoCharTokens[two]; ok {
			l.pos += 2
			return Token{Type: tt, Value: two, Pos: l.pos - 2}, nil
		}
	}
	if tt, ok := oneCharTokens[ch]; ok {
		l.pos++
		return Token{Type: tt, Value: string(ch), Pos: l.pos - 1}, nil
	}

	if isIdentStart(ch) {
		return l.readIdentifier()
	}

	return Token{}, fmt.Errorf("unexpected character %q at position %d", string(ch), l.pos)
}

// readReference reads "$name" (a field, lexed as an identifier) or "$$name"
// (an explicit variable).
func (l *Lexer) readReference() (Token, error) {
	start := l.pos
	typ := TokenIdent
	l.pos++
	if l.pos < len(l.input) && l.input[l.pos] == '$' {
		typ = TokenVariable
		l.pos++
	}
	nameStart := l.pos
	if l.pos >= len(l.input) || !isIdentStart(l.input[l.pos]) {
		return Token{}, fmt.Errorf("expected name after '$' at position %d", start)
	}
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	name := l.input[nameStart:l.pos]
	return Token{Type: typ, Value: name, StrVal: name, Pos: start}, nil
}

// readString reads a quoted string literal.
func (l *Lexer) readString(quote byte) (Token, error) {
	start := l.pos
	l.pos++ // skip opening quote

	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			l.pos++
			switch escaped := l.input[l.pos]; escaped {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '"', '\'':
				sb.WriteByte(escaped)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(escaped)
			}
			l.pos++
			continue
		}
		if ch == quote {
			l.pos++
			return Token{
				Type:   TokenString,
				Value:  l.input[start:l.pos],
				StrVal: sb.String(),
				Pos:    start,
			}, nil
		}
		sb.WriteByte(ch)
		l.pos++
	}

	return Token{}, fmt.Errorf("unterminated string starting at position %d", start)
}

// readNumber reads an integer or float literal.
func (l *Lexer) readNumber() (Token, error) {
	start := l.pos
	isFloat := false

	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		switch {
		case ch >= '0' && ch <= '9':
			l.pos++
		case ch == '.' && !isFloat && l.pos+1 < len(l.input) && l.input[l.pos+1] >= '0' && l.input[l.pos+1] <= '9':
			isFloat = true
			l.pos++
		case ch == 'e' || ch == 'E':
			isFloat = true
			l.pos++
			if l.pos < len(l.input) && (l.input[l.pos] == '+' || l.input[l.pos] == '-') {
				l.pos++
			}
		default:
			return l.numberToken(start, isFloat)
		}
	}
	return l.numberToken(start, isFloat)
}

func (l *Lexer) numberToken(start int, isFloat bool) (Token, error) {
	raw := l.input[start:l.pos]
	if isFloat {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Token{}, fmt.Errorf("invalid float %q at position %d", raw, start)
		}
		return Token{Type: TokenFloat, Value: raw, FloatVal: f, Pos: start}, nil
	}
	i, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid integer %q at position %d", raw, start)
	}
	return Token{Type: TokenInt, Value: raw, IntVal: i, Pos: start}, nil
}

// readIdentifier reads an identifier or keyword.
func (l *Lexer) readIdentifier() (Token, error) {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	word := l.input[start:l.pos]
	if tt, ok := keywords[word]; ok {
		return Token{Type: tt, Value: word, Pos: start}, nil
	}
	return Token{Type: TokenIdent, Value: word, StrVal: word, Pos: start}, nil
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
