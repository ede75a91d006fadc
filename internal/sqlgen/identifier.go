package sqlgen

import "regexp"

// identifierPattern is the whitelist for dynamically supplied table and
// column names. Names that fail it are skipped, never quoted or escaped;
// this is the sole defense against SQL injection through metadata-driven
// identifiers and must stay strict.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

// ValidIdentifier reports whether name is safe to interpolate into
// generated DDL/DML.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
