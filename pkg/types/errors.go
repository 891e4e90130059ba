package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies compilation failures.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "InvalidArgument"
	KindUnresolvedName  ErrorKind = "UnresolvedName"
	KindDepthExceeded   ErrorKind = "DepthExceeded"
)

// Sentinels for errors.Is. A *CompileError matches the sentinel of its kind.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnresolvedName  = errors.New("unresolved name")
	ErrDepthExceeded   = errors.New("depth exceeded")
)

// CompileError is returned by builders and by compilation. It is always
// terminal for the current call.
type CompileError struct {
	Kind    ErrorKind
	Message string
	Name    string // offending name, if any
	Node    string // node kind being built or rendered, e.g. "$map"
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	msg := e.Message
	if e.Name != "" {
		msg = fmt.Sprintf("%s (name=%q)", msg, e.Name)
	}
	if e.Node != "" {
		return fmt.Sprintf("%s: %s in %s", e.Kind, msg, e.Node)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Is matches the kind sentinels.
func (e *CompileError) Is(target error) bool {
	switch target {
	case ErrInvalidArgument:
		return e.Kind == KindInvalidArgument
	case ErrUnresolvedName:
		return e.Kind == KindUnresolvedName
	case ErrDepthExceeded:
		return e.Kind == KindDepthExceeded
	}
	return false
}

// InNode returns a copy of the error attributed to the given node kind,
// unless it already names one.
func (e *CompileError) InNode(node string) *CompileError {
	if e.Node != "" {
		return e
	}
	c := *e
	c.Node = node
	return &c
}

// NewInvalidArgumentError reports a missing or malformed builder input.
func NewInvalidArgumentError(node, msg string) *CompileError {
	return &CompileError{Kind: KindInvalidArgument, Message: msg, Node: node}
}

// NewUnresolvedNameError reports a reference no scope can resolve.
func NewUnresolvedNameError(name, msg string) *CompileError {
	return &CompileError{Kind: KindUnresolvedName, Message: msg, Name: name}
}

// NewDepthExceededError reports an expression tree nested deeper than max.
func NewDepthExceededError(node string, max int) *CompileError {
	return &CompileError{
		Kind:    KindDepthExceeded,
		Message: fmt.Sprintf("expression nesting depth limit exceeded (max %d)", max),
		Node:    node,
	}
}

// KindOf returns the kind of a *CompileError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
