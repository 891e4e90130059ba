package scope

import "strings"

// Field is a name exposed by a scope. Target is the path the name stands for
// in the input document; it equals Name unless the field is an alias.
type Field struct {
	Name   string
	Target string
}

// NewField creates a field whose target is its own name.
func NewField(name string) Field {
	return Field{Name: name, Target: name}
}

// AliasedField creates a field named name that reads target.
func AliasedField(name, target string) Field {
	if target == "" {
		target = name
	}
	return Field{Name: name, Target: target}
}

// Fields is an ordered set of exposed names. Later duplicates of a name are
// dropped, so insertion order of first occurrence is kept.
type Fields struct {
	list  []Field
	index map[string]int
}

// NewFields builds a set from plain names.
func NewFields(names ...string) Fields {
	fs := make([]Field, len(names))
	for i, n := range names {
		fs[i] = NewField(n)
	}
	return FieldsOf(fs...)
}

// FieldsOf builds a set from fields.
func FieldsOf(fields ...Field) Fields {
	f := Fields{index: make(map[string]int, len(fields))}
	for _, fd := range fields {
		if _, dup := f.index[fd.Name]; dup {
			continue
		}
		f.index[fd.Name] = len(f.list)
		f.list = append(f.list, fd)
	}
	return f
}

// And returns a new set with the given fields appended.
func (f Fields) And(fields ...Field) Fields {
	all := make([]Field, 0, len(f.list)+len(fields))
	all = append(all, f.list...)
	all = append(all, fields...)
	return FieldsOf(all...)
}

// Lookup finds a field by name.
func (f Fields) Lookup(name string) (Field, bool) {
	i, ok := f.index[name]
	if !ok {
		return Field{}, false
	}
	return f.list[i], true
}

// Contains reports whether name is exposed.
func (f Fields) Contains(name string) bool {
	_, ok := f.index[name]
	return ok
}

// Names returns the exposed names in order.
func (f Fields) Names() []string {
	names := make([]string, len(f.list))
	for i, fd := range f.list {
		names[i] = fd.Name
	}
	return names
}

// List returns a copy of the fields in order.
func (f Fields) List() []Field {
	out := make([]Field, len(f.list))
	copy(out, f.list)
	return out
}

// Len returns the number of exposed fields.
func (f Fields) Len() int {
	return len(f.list)
}

// String renders the set as "[a, b->c]".
func (f Fields) String() string {
	parts := make([]string, len(f.list))
	for i, fd := range f.list {
		if fd.Target != fd.Name {
			parts[i] = fd.Name + "->" + fd.Target
		} else {
			parts[i] = fd.Name
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// splitHead splits a dotted path into its first segment and the remainder,
// including the leading dot: "a.b.c" -> ("a", ".b.c").
func splitHead(path string) (string, string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, ""
}
