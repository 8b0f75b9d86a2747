package transport

import "fmt"

// debug is a package-level hook for verbose tracing during development;
// it is a no-op in normal builds. Left as a plain function (rather than
// gated by a build tag) so call sites never need conditional compilation.
var debugEnabled = false

func debug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	fmt.Printf(format+"\n", args...)
}

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}
