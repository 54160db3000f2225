package domain

import (
	"strings"
	"unicode"
)

// Query represents a parsed lookup input
type Query struct {
	Raw       string   // Original input
	Hostname  string   // Normalized onion hostname when the input is an address (exact lookup)
	Fragments []string // Space-separated name fragments otherwise
}

// IsExact reports whether the query is an exact hostname lookup.
func (q *Query) IsExact() bool { return q.Hostname != "" }

// ParseQuery parses user input into a structured query
// Examples:
//   - "team wiki" -> name fragments, unordered: ["team", "wiki"]
//   - "exampleexampleexampleexampleexampleexampleexampleexa.onion" -> exact hostname
//   - a bare 56-character base32 id -> exact hostname, ".onion" appended
func ParseQuery(input string) *Query {
	// Normalize input
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return &Query{Raw: input}
	}

	q := &Query{Raw: input}

	if hostname, ok := asOnionHostname(input); ok {
		q.Hostname = hostname
		return q
	}

	q.Fragments = splitAndClean(input, " ")
	return q
}

// asOnionHostname recognizes address-shaped input: anything with a
// .onion suffix, or a bare base32 service id of v3 length. The shape
// check is deliberately loose; exactness is the registry's problem.
func asOnionHostname(s string) (string, bool) {
	if strings.HasSuffix(s, ".onion") {
		return s, true
	}
	if len(s) == 56 && isBase32(s) {
		return s + ".onion", true
	}
	return "", false
}

func isBase32(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}

// splitAndClean splits a string by separator and returns non-empty parts
func splitAndClean(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// NameFragments extracts fragments from a record label for matching
// Example: "team-wiki.staging" -> ["team", "wiki", "staging"]
func NameFragments(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalizeFragment normalizes a fragment for matching
func normalizeFragment(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}
