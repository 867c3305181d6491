package keep

// Version is the release version of the keep module. It is recorded in
// backup archive manifests and reported by the command line client.
const Version = "1.0.0"

// isValidEnvVarName reports whether name is usable as an environment
// variable name: a letter or underscore followed by letters, digits or
// underscores, at most 128 characters.
func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
