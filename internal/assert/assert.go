//go:build debug

// Package assert holds contract checks that are only compiled in with
// -tags debug.
package assert

import "fmt"

const Enabled = true

// That panics with the formatted message if cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
