package ntpq

import (
	"strings"
)

// Var is one name=value pair of a variable list.
type Var struct {
	Name  string
	Value string
}

// Vars keeps the order the server sent.
type Vars []Var

// Get returns the value of the first variable called name.
func (vs Vars) Get(name string) (string, bool) {
	for _, v := range vs {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Map returns the variables keyed by name. Later duplicates win.
func (vs Vars) Map() map[string]string {
	m := make(map[string]string, len(vs))
	for _, v := range vs {
		m[v.Name] = v.Value
	}
	return m
}

// String renders the list the way it came off the wire, without line breaks.
func (vs Vars) String() string {
	var b strings.Builder
	for i, v := range vs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.Name)
		if v.Value != "" {
			b.WriteByte('=')
			b.WriteString(v.Value)
		}
	}
	return b.String()
}

// ParseVars splits a reply payload into variables. Items are separated by
// commas outside double quotes; surrounding white space and line breaks are
// dropped, as are the quotes around a value.
func ParseVars(data []byte) Vars {
	var (
		out   Vars
		start int
		quote bool
	)
	text := strings.TrimRight(string(data), "\x00")
	emit := func(item string) {
		item = strings.TrimSpace(item)
		if item == "" {
			return
		}
		name, value, _ := strings.Cut(item, "=")
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		out = append(out, Var{Name: strings.TrimSpace(name), Value: value})
	}
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '"':
			quote = !quote
		case ',':
			if !quote {
				emit(text[start:i])
				start = i + 1
			}
		}
	}
	emit(text[start:])
	return out
}

// formatVars builds a request payload. Values are sent as given.
func formatVars(vs Vars) []byte {
	return []byte(vs.String())
}
