//go:build !debug

// Package assert holds contract checks that are only compiled in with
// -tags debug.
package assert

const Enabled = false

// That is a no-op in production.
// Enable with -tags debug for runtime checks.
func That(bool, string, ...any) {}
