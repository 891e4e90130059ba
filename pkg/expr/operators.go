package expr

// Operators maps the function names accepted by definition files to the
// operator they render as, with the accepted argument counts (-1 means any).
var Operators = map[string]Arity{
	"add":          {"$add", 1, -1},
	"subtract":     {"$subtract", 2, 2},
	"multiply":     {"$multiply", 1, -1},
	"divide":       {"$divide", 2, 2},
	"mod":          {"$mod", 2, 2},
	"abs":          {"$abs", 1, 1},
	"size":         {"$size", 1, 1},
	"arrayElemAt":  {"$arrayElemAt", 2, 2},
	"concatArrays": {"$concatArrays", 1, -1},
	"in":           {"$in", 2, 2},
	"concat":       {"$concat", 1, -1},
	"toUpper":      {"$toUpper", 1, 1},
	"toLower":      {"$toLower", 1, 1},
	"eq":           {"$eq", 2, 2},
	"ne":           {"$ne", 2, 2},
	"gt":           {"$gt", 2, 2},
	"gte":          {"$gte", 2, 2},
	"lt":           {"$lt", 2, 2},
	"lte":          {"$lte", 2, 2},
	"and":          {"$and", 1, -1},
	"or":           {"$or", 1, -1},
	"not":          {"$not", 1, 1},
	"cond":         {"$cond", 3, 3},
	"ifNull":       {"$ifNull", 2, -1},
}

// Arity describes an operator's name and argument bounds.
type Arity struct {
	Op  string
	Min int
	Max int
}

// Accepts reports whether n arguments are allowed.
func (a Arity) Accepts(n int) bool {
	return n >= a.Min && (a.Max < 0 || n <= a.Max)
}

// Add renders {"$add": [args...]}.
func Add(args ...Node) *OperatorNode { return Operator("$add", args...) }

// Subtract renders {"$subtract": [a, b]}.
func Subtract(a, b Node) *OperatorNode { return Operator("$subtract", a, b) }

// Multiply renders {"$multiply": [args...]}.
func Multiply(args ...Node) *OperatorNode { return Operator("$multiply", args...) }

// Divide renders {"$divide": [a, b]}.
func Divide(a, b Node) *OperatorNode { return Operator("$divide", a, b) }

// Mod renders {"$mod": [a, b]}.
func Mod(a, b Node) *OperatorNode { return Operator("$mod", a, b) }

// Abs renders {"$abs": [n]}.
func Abs(n Node) *OperatorNode { return Operator("$abs", n) }

// Size renders {"$size": [n]}.
func Size(n Node) *OperatorNode { return Operator("$size", n) }

// ArrayElemAt renders {"$arrayElemAt": [arr, idx]}.
func ArrayElemAt(arr, idx Node) *OperatorNode { return Operator("$arrayElemAt", arr, idx) }

// ConcatArrays renders {"$concatArrays": [args...]}.
func ConcatArrays(args ...Node) *OperatorNode { return Operator("$concatArrays", args...) }

// In renders {"$in": [v, arr]}, true when arr contains v.
func In(v, arr Node) *OperatorNode { return Operator("$in", v, arr) }

// Concat renders {"$concat": [args...]}.
func Concat(args ...Node) *OperatorNode { return Operator("$concat", args...) }

// ToUpper renders {"$toUpper": [n]}.
func ToUpper(n Node) *OperatorNode { return Operator("$toUpper", n) }

// ToLower renders {"$toLower": [n]}.
func ToLower(n Node) *OperatorNode { return Operator("$toLower", n) }

// Eq renders {"$eq": [a, b]}.
func Eq(a, b Node) *OperatorNode { return Operator("$eq", a, b) }

// Ne renders {"$ne": [a, b]}.
func Ne(a, b Node) *OperatorNode { return Operator("$ne", a, b) }

// Gt renders {"$gt": [a, b]}.
func Gt(a, b Node) *OperatorNode { return Operator("$gt", a, b) }

// Gte renders {"$gte": [a, b]}.
func Gte(a, b Node) *OperatorNode { return Operator("$gte", a, b) }

// Lt renders {"$lt": [a, b]}.
func Lt(a, b Node) *OperatorNode { return Operator("$lt", a, b) }

// Lte renders {"$lte": [a, b]}.
func Lte(a, b Node) *OperatorNode { return Operator("$lte", a, b) }

// And renders {"$and": [args...]}.
func And(args ...Node) *OperatorNode { return Operator("$and", args...) }

// Or renders {"$or": [args...]}.
func Or(args ...Node) *OperatorNode { return Operator("$or", args...) }

// Not renders {"$not": [n]}.
func Not(n Node) *OperatorNode { return Operator("$not", n) }

// Cond renders {"$cond": [if, then, else]}.
func Cond(ifExpr, thenExpr, elseExpr Node) *OperatorNode {
	return Operator("$cond", ifExpr, thenExpr, elseExpr)
}

// IfNull renders {"$ifNull": [expr..., replacement]}.
func IfNull(args ...Node) *OperatorNode { return Operator("$ifNull", args...) }
