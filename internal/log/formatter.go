package log

import (
	"bytes"
	"fmt"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// directives understood in a log pattern, longest first so that %func is
// not read as %f followed by "unc".
var directives = []string{"%goroutine", "%caller", "%field", "%level", "%time", "%func", "%msg", "%n"}

type formatter struct {
	pattern string
	time    string

	once  sync.Once
	parts []string // literals and directives in pattern order
}

func (f *formatter) compile() {
	rest := f.pattern
	for rest != "" {
		i := strings.IndexByte(rest, '%')
		if i < 0 {
			f.parts = append(f.parts, rest)
			return
		}
		if i > 0 {
			f.parts = append(f.parts, rest[:i])
			rest = rest[i:]
		}
		d := ""
		for _, cand := range directives {
			if strings.HasPrefix(rest, cand) {
				d = cand
				break
			}
		}
		if d == "" {
			f.parts = append(f.parts, "%")
			rest = rest[1:]
			continue
		}
		f.parts = append(f.parts, d)
		rest = rest[len(d):]
	}
}

// Format expands %time, %level, %field, %msg, %caller, %func, %goroutine and %n.
// Anything else in the pattern is copied as is.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	f.once.Do(f.compile)

	var b bytes.Buffer
	for _, p := range f.parts {
		switch p {
		case "%time":
			b.WriteString(entry.Time.Format(f.time))
		case "%level":
			b.WriteString(entry.Level.String())
		case "%field":
			writeFields(&b, entry.Data)
		case "%msg":
			b.WriteString(entry.Message)
		case "%caller":
			b.WriteString(caller(entry))
		case "%func":
			b.WriteString(funcName(entry))
		case "%goroutine":
			b.WriteString(goroutineID())
		case "%n":
			b.WriteByte('\n')
		default:
			b.WriteString(p)
		}
	}
	return b.Bytes(), nil
}

// callerFrame falls back to walking the stack when logrus did not record the
// caller. The depth skips logrus and the adapter.
func callerFrame(entry *logrus.Entry) (runtime.Frame, bool) {
	if entry.HasCaller() {
		return *entry.Caller, true
	}
	pc, file, line, ok := runtime.Caller(8)
	if !ok {
		return runtime.Frame{}, false
	}
	fr := runtime.Frame{PC: pc, File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		fr.Function = fn.Name()
	}
	return fr, true
}

// caller renders pkg/file.go:line.
func caller(entry *logrus.Entry) string {
	fr, ok := callerFrame(entry)
	if !ok {
		return "unknown"
	}
	pkg := "unknown"
	if fn := fr.Function; fn != "" {
		fn = fn[strings.LastIndex(fn, "/")+1:]
		if i := strings.IndexByte(fn, '.'); i > 0 {
			pkg = fn[:i]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, path.Base(fr.File), fr.Line)
}

// funcName keeps only the function or method name.
func funcName(entry *logrus.Entry) string {
	fr, ok := callerFrame(entry)
	if !ok || fr.Function == "" {
		return "unknown"
	}
	return fr.Function[strings.LastIndex(fr.Function, ".")+1:]
}

func goroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	if f := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine ")); len(f) > 0 {
		return f[0]
	}
	return "unknown"
}

// writeFields renders entry data as k=v pairs sorted by key.
func writeFields(b *bytes.Buffer, data logrus.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		if s, ok := data[k].(string); ok {
			b.WriteString(s)
		} else {
			fmt.Fprint(b, data[k])
		}
	}
}
