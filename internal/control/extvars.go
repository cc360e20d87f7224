package control

import (
	"strings"
	"sync"
)

// ExtVar is a user-defined system variable. Text holds name=value.
type ExtVar struct {
	Text  string
	Flags VarFlags
}

// Name returns the part of Text before '='.
func (v ExtVar) Name() string {
	name, _, _ := strings.Cut(v.Text, "=")
	return name
}

// Value returns the part of Text after '='.
func (v ExtVar) Value() string {
	_, value, _ := strings.Cut(v.Text, "=")
	return value
}

type extVars struct {
	mu   sync.RWMutex
	vars []ExtVar
}

func (x *extVars) set(def string, flags VarFlags) {
	name, _, _ := strings.Cut(def, "=")
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := range x.vars {
		if x.vars[i].Name() == name {
			x.vars[i] = ExtVar{Text: def, Flags: flags}
			return
		}
	}
	x.vars = append(x.vars, ExtVar{Text: def, Flags: flags})
}

func (x *extVars) get(name string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, v := range x.vars {
		if v.Name() == name {
			return v.Value(), true
		}
	}
	return "", false
}

func (x *extVars) snapshot() []ExtVar {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]ExtVar(nil), x.vars...)
}

// table returns the variables in the form getItem matches against. Code is
// the index into the snapshot.
func (x *extVars) table() ([]ExtVar, []Var) {
	vars := x.snapshot()
	t := make([]Var, len(vars))
	for i, v := range vars {
		t[i] = Var{Code: uint16(i), Flags: v.Flags, Name: v.Text}
	}
	return vars, t
}

// SetSysVar defines or replaces a user-defined system variable. def has the
// form name=value; an existing variable with the same name is replaced.
func (e *Engine) SetSysVar(def string, flags VarFlags) {
	e.ext.set(def, flags)
}

// SysVar returns the value of a user-defined system variable.
func (e *Engine) SysVar(name string) (string, bool) {
	return e.ext.get(name)
}

// SysVars returns a copy of the user-defined system variables.
func (e *Engine) SysVars() []ExtVar {
	return e.ext.snapshot()
}
