package policy

import (
	"fmt"
	"path"
	"strings"
)

// globMatch matches a slash-separated path against a glob where "**" spans any
// number of segments and every other segment follows path.Match.
func globMatch(pattern, name string) bool {
	return matchSegments(splitPath(pattern), splitPath(name))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

func splitPath(p string) []string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}

func validateGlob(pattern string) error {
	for _, seg := range splitPath(pattern) {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("bad glob %q: %w", pattern, err)
		}
	}
	return nil
}

// globSpecificity ranks a glob by its literal characters; a pattern with no
// wildcards at all outranks any glob with the same literal prefix.
func globSpecificity(pattern string) int {
	n := literalLength(pattern) * 2
	if !strings.ContainsAny(pattern, "*?[") {
		n++
	}
	return n
}

func literalLength(pattern string) int {
	n := 0
	inClass := false
	for _, r := range pattern {
		switch {
		case r == '[':
			inClass = true
		case r == ']':
			inClass = false
		case inClass, r == '*', r == '?':
		default:
			n++
		}
	}
	return n
}
