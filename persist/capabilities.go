package persist

import "runtime"

// Capabilities describes what the current platform can enforce on behalf
// of a store. It is detected once at construction time and injected into
// store constructors, never consulted as mutable package state, so tests
// can exercise both sides of every capability without patching globals.
type Capabilities struct {
	// PosixPermissions reports whether chmod-style permission bits are
	// enforceable. On platforms without them (Windows), permission
	// hardening degrades to advisory and status output must say so.
	PosixPermissions bool
}

// DetectCapabilities inspects the running platform and returns the
// capability set stores should be built with.
func DetectCapabilities() Capabilities {
	return Capabilities{
		PosixPermissions: runtime.GOOS != "windows",
	}
}
