package crawler

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// DefaultExcludePatterns keeps admin, API, feed and auth paths out of discovery
var DefaultExcludePatterns = []string{
	"*/wp-admin*",
	"*/wp-login*",
	"*/wp-json/*",
	"*/xmlrpc.php*",
	"*/admin",
	"*/admin/*",
	"*/api/*",
	"*/feed",
	"*/feed/*",
	"*/rss",
	"*/rss/*",
	"*.rss",
	"*.xml",
	"*/login*",
	"*/logout*",
	"*/signin*",
	"*/sign-in*",
	"*/signup*",
	"*/sign-up*",
	"*/register*",
	"*/auth/*",
	"*/oauth/*",
	"*/cart*",
	"*/checkout*",
	"*/cdn-cgi/*",
}

// Pattern is a compiled include or exclude pattern
type Pattern struct {
	raw   string
	glob  glob.Glob
	regex *regexp.Regexp
}

// String returns the pattern as written
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether the pattern matches the whole URL or the whole path (with query) of the URL
func (p Pattern) Match(rawURL string) bool {
	for _, candidate := range matchCandidates(rawURL) {
		if p.regex != nil {
			if p.regex.MatchString(candidate) {
				return true
			}
			continue
		}
		if p.glob.Match(strings.ToLower(candidate)) {
			return true
		}
	}
	return false
}

func matchCandidates(rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return []string{rawURL}
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return []string{rawURL, path}
}

// CompilePattern compiles a single pattern. "/expr/" is a regular expression,
// anything else is a glob where * matches any run of characters and ? one character.
// Both forms are case-insensitive and must match the whole string.
func CompilePattern(raw string) (Pattern, error) {
	p := Pattern{raw: raw}

	if len(raw) >= 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") {
		re, err := regexp.Compile(`(?i)^(?:` + raw[1:len(raw)-1] + `)$`)
		if err != nil {
			return p, err
		}
		p.regex = re
		return p, nil
	}

	g, err := glob.Compile(escapeGlob(strings.ToLower(raw)))
	if err != nil {
		return p, err
	}
	p.glob = g
	return p, nil
}

// escapeGlob quotes every glob metacharacter except * and ?
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '[', ']', '{', '}', '\\', '!':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CompilePatterns compiles a pattern list. Invalid patterns are logged and skipped.
func CompilePatterns(patterns []string) []Pattern {
	compiled := make([]Pattern, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := CompilePattern(raw)
		if err != nil {
			log.Warn().Err(err).Str("pattern", raw).Msg("Skipping invalid URL pattern")
			continue
		}
		compiled = append(compiled, p)
	}
	return compiled
}

// MatchesAny reports whether any of the patterns matches rawURL
func MatchesAny(rawURL string, patterns []string) bool {
	return matchesCompiled(rawURL, CompilePatterns(patterns))
}

// MatchesIncludePatterns treats an empty include list as allow-all
func MatchesIncludePatterns(rawURL string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	return MatchesAny(rawURL, patterns)
}

// URLFilter applies exclude-then-include filtering with pre-compiled patterns
type URLFilter struct {
	include []Pattern
	exclude []Pattern
}

// NewURLFilter compiles include and exclude lists once for repeated use
func NewURLFilter(include, exclude []string) *URLFilter {
	return &URLFilter{
		include: CompilePatterns(include),
		exclude: CompilePatterns(exclude),
	}
}

// Keep reports whether rawURL is not excluded and is included (or no includes are set)
func (f *URLFilter) Keep(rawURL string) bool {
	if matchesCompiled(rawURL, f.exclude) {
		return false
	}
	return len(f.include) == 0 || matchesCompiled(rawURL, f.include)
}

func matchesCompiled(rawURL string, patterns []Pattern) bool {
	for _, p := range patterns {
		if p.Match(rawURL) {
			return true
		}
	}
	return false
}
