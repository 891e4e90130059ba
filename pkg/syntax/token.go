// Package syntax parses the infix expression shorthand accepted inside ${...}
// in definition files, e.g. ${size(tags) > 2 and not archived}, into
// expression trees.
package syntax

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Literals
	TokenInt    TokenType = iota // integer literal
	TokenFloat                   // float literal
	TokenString                  // string literal
	TokenTrue                    // true
	TokenFalse                   // false
	TokenNull                    // null

	// Identifiers and punctuation
	TokenIdent    // identifier (field or variable name)
	TokenVariable // $$name
	TokenDot      // .
	TokenComma    // ,

	// Brackets
	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
	TokenLBrace   // {
	TokenRBrace   // }
	TokenColon    // :

	// Arithmetic
	TokenPlus    // +
	TokenMinus   // -
	TokenStar    // *
	TokenSlash   // /
	TokenPercent // %

	// Comparison
	TokenEq  // ==
	TokenNeq // !=
	TokenLt  // <
	TokenGt  // >
	TokenLte // <=
	TokenGte // >=

	// Logical
	TokenAnd // and
	TokenOr  // or
	TokenNot // not

	// Membership
	TokenIn // in

	TokenEOF // end of expression
)

// Token represents a single lexical token.
type Token struct {
	Type     TokenType
	Value    string  // raw source text
	IntVal   int64   // for TokenInt
	FloatVal float64 // for TokenFloat
	StrVal   string  // for TokenString (escapes resolved) and TokenVariable (name)
	Pos      int     // byte offset in source
}

var tokenNames = map[TokenType]string{
	TokenInt:      "INT",
	TokenFloat:    "FLOAT",
	TokenString:   "STRING",
	TokenTrue:     "TRUE",
	TokenFalse:    "FALSE",
	TokenNull:     "NULL",
	TokenIdent:    "IDENT",
	TokenVariable: "VARIABLE",
	TokenDot:      "DOT",
	TokenComma:    "COMMA",
	TokenLParen:   "LPAREN",
	TokenRParen:   "RPAREN",
	TokenLBracket: "LBRACKET",
	TokenRBracket: "RBRACKET",
	TokenLBrace:   "LBRACE",
	TokenRBrace:   "RBRACE",
	TokenColon:    "COLON",
	TokenPlus:     "PLUS",
	TokenMinus:    "MINUS",
	TokenStar:     "STAR",
	TokenSlash:    "SLASH",
	TokenPercent:  "PERCENT",
	TokenEq:       "EQ",
	TokenNeq:      "NEQ",
	TokenLt:       "LT",
	TokenGt:       "GT",
	TokenLte:      "LTE",
	TokenGte:      "GTE",
	TokenAnd:      "AND",
	TokenOr:       "OR",
	TokenNot:      "NOT",
	TokenIn:       "IN",
	TokenEOF:      "EOF",
}

// String returns a debug-friendly representation of the token type.
func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}
