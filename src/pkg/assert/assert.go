// Package assert checks invariants whose violation means a bug in the
// caller rather than a runtime failure.
package assert

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Assert panics with the formatted message and the caller's position when
// cond is false. The first element of args, if any, is a format string.
func Assert(cond bool, args ...any) {
	if cond {
		return
	}

	where := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		where = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	msg := "invariant violated"
	if len(args) > 0 {
		if format, ok := args[0].(string); ok {
			msg = fmt.Sprintf(format, args[1:]...)
		}
	}
	panic(fmt.Sprintf("%s at %s", msg, where))
}
