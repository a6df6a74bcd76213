package policy

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/armon/go-radix"
	"github.com/tidwall/match"
)

// Rule maps an operation pattern to a permission.
//
// Read and write rules take path globs ("src/**", "/etc/*.conf"); relative globs are
// anchored at the operation's working directory. Execute rules take command prefixes
// matched on word boundaries ("git status" matches "git status -s" but not "git statusx").
// Fetch rules take scheme://host-glob/path-prefix patterns ("https://*.example.com/docs");
// the host glob only ever sees the host, and a pattern without a scheme matches the host only.
// Commands chained with shell operators are authorized segment by segment.
type Rule struct {
	Kind       Kind       `yaml:"kind" json:"kind"`
	Pattern    string     `yaml:"pattern" json:"pattern"`
	Permission Permission `yaml:"permission" json:"permission"`
}

// Policy is an ordered rule set plus the permission used when nothing matches.
type Policy struct {
	Rules   []Rule     `yaml:"rules" json:"rules"`
	Default Permission `yaml:"default" json:"default"`
}

// ErrInvalidRule is returned by Compile for malformed rules.
var ErrInvalidRule = errors.New("invalid policy rule")

type candidate struct {
	specificity int
	permission  Permission
}

type pathRule struct {
	pattern    string
	permission Permission
}

type urlRule struct {
	scheme      string // empty matches any scheme
	host        string
	path        string
	specificity int
	permission  Permission
}

// CompiledPolicy is an immutable, pre-indexed Policy. It is safe for concurrent use.
type CompiledPolicy struct {
	def      Permission
	paths    map[Kind][]pathRule
	commands *radix.Tree // normalized prefix -> []Permission
	anyCmd   []Permission
	urls     []urlRule
}

// Compile validates p and indexes its rules.
func Compile(p Policy) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{
		def:      p.Default,
		paths:    make(map[Kind][]pathRule),
		commands: radix.New(),
	}
	if !cp.def.Valid() {
		cp.def = Confirm
	}

	for i, r := range p.Rules {
		if !r.Permission.Valid() {
			return nil, fmt.Errorf("%w: rule %d (%s %q) has no permission", ErrInvalidRule, i, r.Kind, r.Pattern)
		}
		pattern := strings.TrimSpace(r.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("%w: rule %d (%s) has an empty pattern", ErrInvalidRule, i, r.Kind)
		}

		switch r.Kind {
		case KindRead, KindWrite:
			if err := validateGlob(pattern); err != nil {
				return nil, fmt.Errorf("%w: rule %d: %w", ErrInvalidRule, i, err)
			}
			cp.paths[r.Kind] = append(cp.paths[r.Kind], pathRule{pattern: filepath.ToSlash(pattern), permission: r.Permission})
		case KindExecute:
			if pattern == "*" {
				cp.anyCmd = append(cp.anyCmd, r.Permission)
				continue
			}
			key := normalizeCommand(pattern)
			var perms []Permission
			if existing, ok := cp.commands.Get(key); ok {
				perms = existing.([]Permission)
			}
			cp.commands.Insert(key, append(perms, r.Permission))
		case KindFetch:
			ur, err := parseURLRule(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: %w", ErrInvalidRule, i, err)
			}
			ur.permission = r.Permission
			cp.urls = append(cp.urls, ur)
		default:
			return nil, fmt.Errorf("%w: rule %d has unknown kind %q", ErrInvalidRule, i, r.Kind)
		}
	}
	return cp, nil
}

// Default returns the permission applied when no rule matches.
func (cp *CompiledPolicy) Default() Permission {
	return cp.def
}

// Authorize evaluates op. The most specific matching rule wins; rules of equal
// specificity resolve to the stricter permission; no match yields the default.
func (cp *CompiledPolicy) Authorize(op Operation) Permission {
	switch op.Kind {
	case KindRead, KindWrite:
		return cp.decide(cp.matchPath(op))
	case KindExecute:
		segments := splitCommand(op.Command)
		if len(segments) == 0 {
			return cp.decide(cp.matchCommand(""))
		}
		perm := Allow
		for _, seg := range segments {
			perm = Stricter(perm, cp.decide(cp.matchCommand(seg)))
		}
		return perm
	case KindFetch:
		u, err := url.Parse(op.Subject())
		if err != nil || u.User != nil {
			return Deny
		}
		return cp.decide(cp.matchURL(u))
	default:
		return Deny
	}
}

func (cp *CompiledPolicy) decide(candidates []candidate) Permission {
	if len(candidates) == 0 {
		return cp.def
	}
	return resolve(candidates)
}

// Authorize compiles p and evaluates op against it. A policy that fails to compile denies everything.
func Authorize(op Operation, p Policy) Permission {
	cp, err := Compile(p)
	if err != nil {
		return Deny
	}
	return cp.Authorize(op)
}

func resolve(candidates []candidate) Permission {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.specificity > best.specificity:
			best = c
		case c.specificity == best.specificity:
			best.permission = Stricter(best.permission, c.permission)
		}
	}
	return best.permission
}

func (cp *CompiledPolicy) matchPath(op Operation) []candidate {
	subject := op.Subject()
	if subject == "" {
		return nil
	}
	var out []candidate
	for _, r := range cp.paths[op.Kind] {
		pattern := r.pattern
		if !strings.HasPrefix(pattern, "/") {
			if op.Cwd == "" {
				continue
			}
			pattern = filepath.ToSlash(filepath.Join(op.Cwd, pattern))
		}
		if globMatch(pattern, subject) {
			out = append(out, candidate{specificity: globSpecificity(pattern), permission: r.permission})
		}
	}
	return out
}

func (cp *CompiledPolicy) matchCommand(command string) []candidate {
	var out []candidate
	for _, p := range cp.anyCmd {
		out = append(out, candidate{specificity: 0, permission: p})
	}
	if command == "" {
		return out
	}
	cp.commands.WalkPath(command, func(key string, v interface{}) bool {
		if command == key || strings.HasPrefix(command, key+" ") {
			for _, p := range v.([]Permission) {
				out = append(out, candidate{specificity: len(key) + 1, permission: p})
			}
		}
		return false
	})
	return out
}

func (cp *CompiledPolicy) matchURL(u *url.URL) []candidate {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil
	}
	scheme := strings.ToLower(u.Scheme)
	var out []candidate
	for _, r := range cp.urls {
		if r.scheme != "" && r.scheme != scheme {
			continue
		}
		if !match.Match(host, r.host) || !pathAllowed(u.Path, r.path) {
			continue
		}
		out = append(out, candidate{specificity: r.specificity, permission: r.permission})
	}
	return out
}

// parseURLRule splits a fetch pattern into scheme, host glob and path pattern.
// ? is a wildcard here, not a query separator, so the pattern is not fed to url.Parse.
func parseURLRule(pattern string) (urlRule, error) {
	r := urlRule{specificity: literalLength(pattern)}
	rest := pattern
	if i := strings.Index(rest, "://"); i >= 0 {
		r.scheme = strings.ToLower(rest[:i])
		rest = rest[i+3:]
		if r.scheme == "*" {
			r.scheme = ""
		}
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		r.host, r.path = rest[:i], rest[i:]
	} else {
		r.host = rest
	}
	if strings.Contains(r.host, "@") {
		return urlRule{}, fmt.Errorf("url pattern %q must not carry credentials", pattern)
	}
	if h, _, ok := strings.Cut(r.host, ":"); ok && !strings.HasPrefix(r.host, "[") {
		r.host = h
	}
	r.host = strings.ToLower(r.host)
	if r.host == "" {
		return urlRule{}, fmt.Errorf("url pattern %q has no host", pattern)
	}
	return r, nil
}

// pathAllowed matches a URL path against a rule path. Wildcard paths use glob
// matching; literal paths are prefixes that end on a segment boundary.
func pathAllowed(p, rule string) bool {
	if rule == "" || rule == "/" || rule == "/*" {
		return true
	}
	if p == "" {
		p = "/"
	}
	if strings.ContainsAny(rule, "*?") {
		return match.Match(p, rule)
	}
	prefix := strings.TrimSuffix(rule, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
