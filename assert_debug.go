//go:build fibrerun_debug

package fibrerun

import "fmt"

// debugAssert traps programmer errors (invalid fibre state, pause/resume
// misuse) in debug builds. Compiled away entirely (see assert_release.go)
// unless the fibrerun_debug build tag is set.
func debugAssert(cond bool, format string, args ...any) {
	if !cond {
		panic(&SchedulerError{Op: fmt.Sprintf(format, args...)})
	}
}
