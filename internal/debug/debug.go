// Package debug provides assertions that are live only when compiled in
// (mirrors the teacher's cmn/debug: cheap in release builds, loud in
// development ones).
package debug

import "fmt"

// Enabled is a runtime switch that makes the assertions live. Nothing in
// this module sets it; it is off by default so assertion cost never
// lands on the hot classify path in production.
var Enabled = false

func Assert(cond bool, args ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
}

func Assertf(cond bool, format string, args ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintf("assertion failed: "+format, args...))
}

func AssertNoErr(err error) {
	if !Enabled || err == nil {
		return
	}
	panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
}
