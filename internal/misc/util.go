package misc

import (
	"os"
	"os/user"
	"strings"
	"time"
)

func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}

// BackupTimestamp formats now for backup directory and file names.
// The layout sorts lexically in directory listings.
func BackupTimestamp(now time.Time) string {
	return now.Format("20060102_150405")
}

// CurrentUser returns the best identity string available for audit
// metadata. Falls back through env and uid, never fails.
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// Hostname is like os.Hostname but collapses failure to a placeholder.
func Hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
