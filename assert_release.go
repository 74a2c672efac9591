//go:build !fibrerun_debug

package fibrerun

// debugAssert is a no-op in release builds; invalid fibre state and
// pause/resume misuse are undefined behavior outside fibrerun_debug builds.
func debugAssert(cond bool, format string, args ...any) {}
