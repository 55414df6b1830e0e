package scanner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ipv4Pattern     = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
	cidrPattern     = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}/\d{1,2}$`)
	rangePattern    = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}-(\d{1,3}\.){3}\d{1,3}$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9.]*[a-zA-Z0-9]$`)

	// Words that are safe to pass to a process boundary without quoting.
	safeWordPattern = regexp.MustCompile(`^[a-zA-Z0-9@%+=:,./_-]+$`)
)

// ValidTarget reports whether target is an acceptable scan target.
// Exactly four grammars are accepted: a dotted-quad IPv4 address, CIDR
// notation with a prefix in [0,32], a hyphenated IPv4 range, or a hostname.
func ValidTarget(target string) bool {
	if ipv4Pattern.MatchString(target) {
		return validOctets(target)
	}

	if cidrPattern.MatchString(target) {
		ip, prefix, _ := strings.Cut(target, "/")
		if !validOctets(ip) {
			return false
		}
		n, err := strconv.Atoi(prefix)
		return err == nil && n >= 0 && n <= 32
	}

	if rangePattern.MatchString(target) {
		start, end, _ := strings.Cut(target, "-")
		return validOctets(start) && validOctets(end)
	}

	return hostnamePattern.MatchString(target)
}

// validOctets checks that every octet of a dotted quad is in [0,255].
func validOctets(ip string) bool {
	for _, octet := range strings.Split(ip, ".") {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

// SanitizeArgs tokenizes an argument string on shell-word boundaries and
// re-quotes each token so that no token can carry additional shell syntax
// through a process boundary. The result is the tokens rejoined with single
// spaces. Sanitizing an already sanitized string yields an equivalent command.
func SanitizeArgs(arguments string) (string, error) {
	words, err := SplitArgs(arguments)
	if err != nil {
		return "", err
	}

	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = quoteWord(w)
	}
	return strings.Join(quoted, " "), nil
}

// SplitArgs splits an argument string into shell words, honoring single
// quotes, double quotes, and backslash escapes.
func SplitArgs(arguments string) ([]string, error) {
	var words []string
	var current strings.Builder
	inWord := false

	for i := 0; i < len(arguments); i++ {
		c := arguments[i]
		switch {
		case c == '\'':
			inWord = true
			end := strings.IndexByte(arguments[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote in arguments")
			}
			current.WriteString(arguments[i+1 : i+1+end])
			i += end + 1
		case c == '"':
			inWord = true
			i++
			closed := false
			for ; i < len(arguments); i++ {
				if arguments[i] == '\\' && i+1 < len(arguments) {
					current.WriteByte(arguments[i+1])
					i++
					continue
				}
				if arguments[i] == '"' {
					closed = true
					break
				}
				current.WriteByte(arguments[i])
			}
			if !closed {
				return nil, fmt.Errorf("unterminated double quote in arguments")
			}
		case c == '\\':
			if i+1 >= len(arguments) {
				return nil, fmt.Errorf("trailing backslash in arguments")
			}
			inWord = true
			current.WriteByte(arguments[i+1])
			i++
		case c == ' ' || c == '\t' || c == '\n':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			inWord = true
			current.WriteByte(c)
		}
	}

	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}

// quoteWord wraps a word in single quotes unless it consists solely of
// characters that are safe without quoting.
func quoteWord(word string) string {
	if word == "" {
		return "''"
	}
	if safeWordPattern.MatchString(word) {
		return word
	}
	return "'" + strings.ReplaceAll(word, "'", `'"'"'`) + "'"
}
