// Package pathspec compiles route pattern strings into path matchers.
//
// A pattern is a sequence of literal segments and captures:
//
//	/users/:id          one named segment
//	/files/*path        zero or more trailing segments (a list)
//	/posts{/:page}      optional sub-pattern (may nest)
//	/exact\:name        backslash escapes a reserved character
//
// A pattern may be prefixed with flag characters before the first "/":
// "i" matches case-insensitively, "!" requires the exact slash count
// written in the pattern instead of merging consecutive slashes.
package pathspec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Pattern compile errors.
var (
	ErrEmptyPattern    = errors.New("pathspec: empty pattern")
	ErrNoLeadingSlash  = errors.New("pathspec: pattern must begin with '/'")
	ErrUnknownFlag     = errors.New("pathspec: unknown flag character")
	ErrUnnamedParam    = errors.New("pathspec: parameter has no name")
	ErrUnbalancedGroup = errors.New("pathspec: unbalanced '{' or '}'")
	ErrDanglingEscape  = errors.New("pathspec: pattern ends with '\\'")
)

// Kind describes what a parameter captures.
type Kind int

const (
	// KindSingle captures exactly one path segment.
	KindSingle Kind = iota

	// KindMulti greedily captures zero or more trailing segments.
	KindMulti
)

// ParamSpec is one named capture of a compiled pattern, in pattern order.
type ParamSpec struct {
	Name string
	Kind Kind
}

// Pattern is an immutable compiled route pattern. It is safe for
// concurrent use and is shared across all requests that match it.
type Pattern struct {
	raw         string
	re          *regexp.Regexp
	params      []ParamSpec
	sub         bool
	exact       bool
	insensitive bool
}

// Param is one extracted parameter value.
// A single-segment parameter inside an unmatched optional group is absent.
type Param struct {
	value   string
	list    []string
	multi   bool
	present bool
}

// Value returns the captured segment and whether the parameter matched.
// For multi-segment parameters the second return is always false.
func (p Param) Value() (string, bool) {
	if p.multi {
		return "", false
	}
	return p.value, p.present
}

// List returns the captured segments of a multi-segment parameter.
// It is empty (never nil) for absent or single-segment parameters.
func (p Param) List() []string {
	if p.list == nil {
		return []string{}
	}
	return p.list
}

// Multi reports whether the parameter captures a segment list.
func (p Param) Multi() bool { return p.multi }

// MatchResult holds the captures of a successful match.
type MatchResult struct {
	params    map[string]Param
	remainder string
}

// Params returns the extracted parameters by name.
func (m *MatchResult) Params() map[string]Param { return m.params }

// Remainder returns the unconsumed trailing path of a sub-routing
// pattern, always beginning with "/". It is "/" for non-sub patterns
// and for exact-length matches.
func (m *MatchResult) Remainder() string { return m.remainder }

// Compile compiles a pattern that must consume the whole path.
func Compile(pattern string) (*Pattern, error) {
	return compile(pattern, false)
}

// CompileSub compiles a pattern for mounting a sub-route table: the
// pattern may be followed by an arbitrary trailing path, reported as the
// match remainder for re-scoping.
func CompileSub(pattern string) (*Pattern, error) {
	return compile(pattern, true)
}

// MustCompile is like Compile but panics on a malformed pattern.
// Intended for patterns known at program start.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func compile(pattern string, sub bool) (*Pattern, error) {
	if pattern == "" {
		return nil, ErrEmptyPattern
	}

	p := &Pattern{raw: pattern, sub: sub}

	// Flags precede the first "/".
	i := 0
	for i < len(pattern) && pattern[i] != '/' {
		switch pattern[i] {
		case 'i':
			p.insensitive = true
		case '!':
			p.exact = true
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownFlag, pattern[i])
		}
		i++
	}
	if i == len(pattern) {
		return nil, ErrNoLeadingSlash
	}

	src, params, err := p.buildRegexp(pattern[i:])
	if err != nil {
		return nil, err
	}
	p.params = params

	re, err := regexp.Compile(src)
	if err != nil {
		// The builder quotes every literal, so this indicates a builder
		// bug rather than bad user input.
		return nil, fmt.Errorf("pathspec: internal compile error for %q: %w", pattern, err)
	}
	p.re = re
	return p, nil
}

// buildRegexp translates the pattern body (starting at the leading "/")
// into anchored regexp source plus the ordered parameter list.
func (p *Pattern) buildRegexp(body string) (string, []ParamSpec, error) {
	var b strings.Builder
	var params []ParamSpec

	if p.insensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("\\A")

	slash := "/"
	if !p.exact {
		slash = "/+"
	}

	depth := 0
	i := 0
	for i < len(body) {
		c := body[i]
		switch c {
		case '/':
			// A slash immediately followed by a multi-segment capture is
			// optional in merge mode so that "/foo/*rest" accepts "/foo".
			if !p.exact && i+1 < len(body) && body[i+1] == '*' {
				name, next, err := readName(body, i+2)
				if err != nil {
					return "", nil, err
				}
				b.WriteString("(?:/+(.*))?")
				params = append(params, ParamSpec{Name: name, Kind: KindMulti})
				i = next
				continue
			}
			b.WriteString(slash)
			i++

		case ':':
			name, next, err := readName(body, i+1)
			if err != nil {
				return "", nil, err
			}
			b.WriteString("([^/]+)")
			params = append(params, ParamSpec{Name: name, Kind: KindSingle})
			i = next

		case '*':
			name, next, err := readName(body, i+1)
			if err != nil {
				return "", nil, err
			}
			b.WriteString("(.*)")
			params = append(params, ParamSpec{Name: name, Kind: KindMulti})
			i = next

		case '{':
			b.WriteString("(?:")
			depth++
			i++

		case '}':
			depth--
			if depth < 0 {
				return "", nil, ErrUnbalancedGroup
			}
			b.WriteString(")?")
			i++

		case '\\':
			if i+1 >= len(body) {
				return "", nil, ErrDanglingEscape
			}
			b.WriteString(regexp.QuoteMeta(string(body[i+1])))
			i += 2

		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	if depth != 0 {
		return "", nil, ErrUnbalancedGroup
	}

	if p.sub {
		// Remainder capture: either nothing or a "/"-rooted trailing path.
		b.WriteString("((?:/.*)?)")
	}
	b.WriteString("\\z")

	return b.String(), params, nil
}

// readName reads a parameter name starting at i. Names end at a
// reserved character; "\x" includes x literally, which is how reserved
// characters appear in names.
func readName(s string, i int) (string, int, error) {
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		switch c {
		case '/', '{', '}', ':', '*':
			goto done
		case '\\':
			if i+1 >= len(s) {
				return "", 0, ErrDanglingEscape
			}
			b.WriteByte(s[i+1])
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
done:
	if b.Len() == 0 {
		return "", 0, ErrUnnamedParam
	}
	return b.String(), i, nil
}

// Match tests the pattern against a decoded path. The second return is
// false when the path does not match.
func (p *Pattern) Match(path string) (*MatchResult, bool) {
	idx := p.re.FindStringSubmatchIndex(path)
	if idx == nil {
		return nil, false
	}

	res := &MatchResult{params: make(map[string]Param, len(p.params))}
	for g, spec := range p.params {
		start, end := idx[2*(g+1)], idx[2*(g+1)+1]
		if spec.Kind == KindSingle {
			param := Param{}
			if start >= 0 {
				param.value = path[start:end]
				param.present = true
			}
			res.params[spec.Name] = param
			continue
		}
		res.params[spec.Name] = Param{
			multi:   true,
			present: start >= 0,
			list:    p.splitList(path, start, end),
		}
	}

	res.remainder = "/"
	if p.sub {
		g := len(p.params) + 1
		if start, end := idx[2*g], idx[2*g+1]; start >= 0 && end > start {
			res.remainder = path[start:end]
		}
	}
	return res, true
}

// splitList turns a raw multi-segment capture into its component list.
// Merge mode drops empty components; exact mode keeps them as "".
func (p *Pattern) splitList(path string, start, end int) []string {
	if start < 0 {
		return []string{}
	}
	raw := path[start:end]
	if p.exact {
		return strings.Split(raw, "/")
	}
	parts := strings.Split(raw, "/")
	list := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			list = append(list, part)
		}
	}
	return list
}

// Params returns the ordered parameter specifications of the pattern.
func (p *Pattern) Params() []ParamSpec { return p.params }

// Sub reports whether the pattern was compiled for sub-routing.
func (p *Pattern) Sub() bool { return p.sub }

// Exact reports whether the pattern requires exact slash counts.
func (p *Pattern) Exact() bool { return p.exact }

// Insensitive reports whether the pattern matches case-insensitively.
func (p *Pattern) Insensitive() bool { return p.insensitive }

// String returns the original pattern text, including flags.
func (p *Pattern) String() string { return p.raw }
