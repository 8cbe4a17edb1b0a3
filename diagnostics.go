package spanz

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	// MaxPayloadTextLength bounds large payload strings such as query text.
	MaxPayloadTextLength = 4000

	maxErrorDetailsLength = 500

	// stackSearchDepth is how far above the requested frames we look for the reference function.
	stackSearchDepth = 64
)

// StackFrame is one call site captured when a span starts.
type StackFrame struct {
	Method      string `json:"method"`
	Type        string `json:"type,omitempty"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Constructor bool   `json:"constructor,omitempty"`
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// CaptureStackTrace returns at most maxFrames frames starting just above
// reference in the current call stack. reference is a function value (or a
// fully qualified function name); when it is nil or not on the stack, the
// function calling CaptureStackTrace counts as the reference and capture
// starts at its caller. maxFrames <= 0 disables capture.
func CaptureStackTrace(maxFrames int, reference any) []StackFrame {
	if maxFrames <= 0 {
		return []StackFrame{}
	}

	pcs := make([]uintptr, maxFrames+stackSearchDepth)
	// Skip runtime.Callers and CaptureStackTrace.
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return []StackFrame{}
	}

	all := make([]runtime.Frame, 0, n)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		all = append(all, frame)
		if !more {
			break
		}
	}

	// all[0] is the caller of CaptureStackTrace.
	start := 1
	if name := functionName(reference); name != "" {
		for i, frame := range all {
			if frame.Function == name {
				start = i + 1
				break
			}
		}
	}

	result := make([]StackFrame, 0, maxFrames)
	for _, frame := range all[min(start, len(all)):] {
		if len(result) == maxFrames {
			break
		}
		result = append(result, newStackFrame(frame))
	}
	return result
}

func functionName(reference any) string {
	switch ref := reference.(type) {
	case nil:
		return ""
	case string:
		return ref
	}

	v := reflect.ValueOf(reference)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil {
		return ""
	}
	// Method values carry a -fm suffix.
	return strings.TrimSuffix(fn.Name(), "-fm")
}

func newStackFrame(frame runtime.Frame) StackFrame {
	typ, method := splitFunction(frame.Function)
	return StackFrame{
		Method:      method,
		Type:        typ,
		File:        frame.File,
		Line:        frame.Line,
		Constructor: typ == "" && isConstructor(method),
	}
}

// splitFunction splits "path/pkg.(*T).M" into ("*T", "M") and "path/pkg.F" into ("", "F").
func splitFunction(name string) (string, string) {
	rest := name[strings.LastIndex(name, "/")+1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return "", rest
	}
	symbol := rest[dot+1:]

	if strings.HasPrefix(symbol, "(") {
		if end := strings.Index(symbol, ")."); end > 0 {
			return symbol[1:end], symbol[end+2:]
		}
		return "", symbol
	}

	// Value receivers look like "T.M"; closures look like "F.func1".
	if i := strings.IndexByte(symbol, '.'); i > 0 {
		head, tail := symbol[:i], symbol[i+1:]
		r, _ := utf8.DecodeRuneInString(head)
		if unicode.IsUpper(r) && !strings.HasPrefix(tail, "func") {
			return head, tail
		}
	}
	return "", symbol
}

func isConstructor(method string) bool {
	if method == "New" {
		return true
	}
	if !strings.HasPrefix(method, "New") {
		return false
	}
	r, _ := utf8.DecodeRuneInString(method[3:])
	return unicode.IsUpper(r)
}

// ErrorDetails renders v for a span payload: the stack trace when v is an
// error carrying one, else its message, else its string form. The result is
// truncated to 500 characters. nil, including a nil pointer held in an
// interface, yields "". A panicking Error or String method is reported
// instead of propagated.
func ErrorDetails(v any) (details string) {
	if isNil(v) {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			details = Truncate(fmt.Sprintf("%T: panic while rendering error: %v", v, r), maxErrorDetailsLength)
		}
	}()

	switch e := v.(type) {
	case stackTracer:
		details = fmt.Sprintf("%+v", e)
	case error:
		var st stackTracer
		if errors.As(e, &st) {
			details = e.Error() + fmt.Sprintf("%+v", st.StackTrace())
		} else {
			details = e.Error()
		}
	case fmt.Stringer:
		details = e.String()
	default:
		details = fmt.Sprint(e)
	}
	return Truncate(details, maxErrorDetailsLength)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Truncate shortens text to at most limit runes. A negative limit disables truncation.
func Truncate(text string, limit int) string {
	if limit < 0 || len(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}
