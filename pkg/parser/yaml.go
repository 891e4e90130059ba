package parser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// preprocessSource quotes plain ${...} scalars so the YAML parser doesn't read
// the ": " or "{" inside them as mapping syntax, e.g.
//
//	total: ${let({x: 1}, x + price)}
//
// Only expressions that make up the whole scalar are quoted; values that are
// already quoted are left alone.
func preprocessSource(source []byte) []byte {
	s := string(source)
	if !strings.Contains(s, "${") {
		return source
	}

	lines := strings.Split(s, "\n")
	for n, line := range lines {
		idx := strings.Index(line, "${")
		if idx < 0 {
			continue
		}
		prefix := strings.TrimRight(line[:idx], " \t")
		if prefix != "" && !strings.HasSuffix(prefix, ":") && !strings.HasSuffix(prefix, "-") {
			continue
		}

		rest := line[idx:]
		end := matchingBrace(rest)
		if end < 0 {
			continue
		}
		suffix := strings.TrimSpace(rest[end:])
		if suffix != "" && !strings.HasPrefix(suffix, "#") {
			continue
		}
		quoted := "'" + strings.ReplaceAll(rest[:end], "'", "''") + "'"
		lines[n] = line[:idx] + quoted + rest[end:]
	}
	return []byte(strings.Join(lines, "\n"))
}

// matchingBrace returns the index just past the brace closing the "${" at the
// start of s, or -1.
func matchingBrace(s string) int {
	depth := 0
	inStr := false
	strChar := byte(0)
	for i := 1; i < len(s); i++ {
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
		switch ch {
		case '"', '\'':
			inStr = true
			strChar = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// nodeToInterface converts a yaml.Node to a Go interface{}. Used for $literal
// values, which are never interpreted.
func nodeToInterface(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.ScalarNode:
		return scalarToInterface(node)
	case yaml.SequenceNode:
		result := make([]interface{}, len(node.Content))
		for i, item := range node.Content {
			result[i] = nodeToInterface(item)
		}
		return result
	case yaml.MappingNode:
		result := make(map[string]interface{})
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			result[key] = nodeToInterface(node.Content[i+1])
		}
		return result
	case yaml.AliasNode:
		return nodeToInterface(node.Alias)
	}
	return nil
}

// scalarToInterface converts a YAML scalar node to the appropriate Go type.
func scalarToInterface(node *yaml.Node) interface{} {
	if node.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle) != 0 {
		return node.Value
	}

	switch node.Tag {
	case "!!null":
		return nil
	case "!!bool":
		return strings.EqualFold(node.Value, "true") || strings.EqualFold(node.Value, "yes")
	case "!!int":
		var i int64
		if _, err := fmt.Sscanf(node.Value, "%d", &i); err == nil {
			return i
		}
	case "!!float":
		var f float64
		if _, err := fmt.Sscanf(node.Value, "%g", &f); err == nil {
			return f
		}
	case "!!str":
		return node.Value
	}

	// Auto-detect type for untagged scalars
	val := node.Value
	switch strings.ToLower(val) {
	case "", "~", "null":
		return nil
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}

	var i int64
	if n, _ := fmt.Sscanf(val, "%d", &i); n == 1 && fmt.Sprintf("%d", i) == val {
		return i
	}

	var f float64
	if n, _ := fmt.Sscanf(val, "%g", &f); n == 1 {
		if strings.Contains(val, ".") || strings.ContainsAny(val, "eE") {
			return f
		}
	}

	return val
}
