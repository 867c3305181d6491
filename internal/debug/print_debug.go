//go:build debug

package debug

import "fmt"

const Debug = true

// Print writes a formatted diagnostic line to stdout. Only compiled in
// when the debug build tag is set.
func Print(format string, args ...interface{}) {
	fmt.Printf("DEBUG: "+format, args...)
}
