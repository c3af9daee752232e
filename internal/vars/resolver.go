package vars

import (
	"bufio"
	"regexp"
	"strings"
)

// Table is the merged name to value mapping used for one send.
type Table map[string]string

// BuildTable layers maps in increasing precedence; later layers win.
func BuildTable(layers ...map[string]string) Table {
	t := make(Table)
	for _, layer := range layers {
		t.Merge(layer)
	}
	return t
}

func (t Table) Merge(layer map[string]string) {
	for k, v := range layer {
		t[k] = v
	}
}

func (t Table) Clone() Table {
	out := make(Table, len(t))
	out.Merge(t)
	return out
}

func (t Table) Lookup(name string) (string, bool) {
	v, ok := t[name]
	return v, ok
}

var templateVarPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Substitute replaces every {{token}} in text. Tokens that cannot be
// resolved are left untouched and reported once each, in order of first
// appearance.
func Substitute(text string, table Table) (string, []string) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	var (
		missing []string
		seen    map[string]struct{}
	)
	report := func(name string) {
		if seen == nil {
			seen = make(map[string]struct{})
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		missing = append(missing, name)
	}

	out := templateVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		if inner == "" {
			return match
		}
		if value, ok := resolveToken(inner, table); ok {
			return value
		}
		report(inner)
		return match
	})
	return out, missing
}

// maxExpansionDepth bounds chains of values that are themselves templates.
const maxExpansionDepth = 8

// Expand is Substitute repeated until the text stops changing, so a value
// that refers to another variable resolves fully. Missing names come from
// the last pass. Reference cycles stop at maxExpansionDepth.
func Expand(text string, table Table) (string, []string) {
	var missing []string
	for range maxExpansionDepth {
		next, miss := Substitute(text, table)
		missing = miss
		if next == text {
			break
		}
		text = next
	}
	return text, missing
}

func resolveToken(inner string, table Table) (string, bool) {
	if !strings.HasPrefix(inner, "$") {
		return table.Lookup(inner)
	}
	name, args := splitToken(inner[1:])
	value, known, err := Dynamic(name, args)
	switch {
	case known && err == nil:
		return value, true
	case known:
		return "", false
	}
	// unknown generators fall back to a literal lookup of the whole token
	return table.Lookup(inner)
}

func splitToken(s string) (string, []string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// ExpandValues substitutes each value of layer against base. Values that
// reference each other are not chained.
func ExpandValues(layer map[string]string, base Table) map[string]string {
	out := make(map[string]string, len(layer))
	for k, v := range layer {
		out[k], _ = Substitute(v, base)
	}
	return out
}

var inlineDeclPattern = regexp.MustCompile(`^@([A-Za-z_][\w.-]*)\s*=\s*(.*)$`)

type declaration struct {
	name  string
	value string
}

func scanDeclarations(document string) []declaration {
	var out []declaration
	scanner := bufio.NewScanner(strings.NewReader(document))
	scanner.Buffer(make([]byte, 0, 1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		m := inlineDeclPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, declaration{name: m[1], value: strings.TrimSpace(m[2])})
	}
	return out
}

// ExtractInlineVariables collects top-of-line `@name = value`
// declarations. The last declaration of a name wins.
func ExtractInlineVariables(document string) map[string]string {
	out := make(map[string]string)
	for _, d := range scanDeclarations(document) {
		out[d.name] = d.value
	}
	return out
}

// ResolveInline is ExtractInlineVariables with each value expanded against
// base and the declarations above it.
func ResolveInline(document string, base Table) map[string]string {
	working := base.Clone()
	out := make(map[string]string)
	for _, d := range scanDeclarations(document) {
		value, _ := Substitute(d.value, working)
		working[d.name] = value
		out[d.name] = value
	}
	return out
}
