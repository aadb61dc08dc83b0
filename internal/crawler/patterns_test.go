package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{"glob on full url", "*/blog/*", "https://example.com/blog/post", true},
		{"glob on path", "/blog/*", "https://example.com/blog/post", true},
		{"glob miss", "/blog/*", "https://example.com/news/post", false},
		{"glob must match whole path", "/blog", "https://example.com/blog/post", false},
		{"glob single character", "/page?", "https://example.com/page2", true},
		{"glob single character is exactly one", "/page?", "https://example.com/page22", false},
		{"glob case insensitive", "*/BLOG/*", "https://example.com/Blog/Post", true},
		{"glob includes query", "/search?q=*", "https://example.com/search?q=shoes", true},
		{"regex on path", `/\/docs\/.*/`, "https://example.com/docs/intro", true},
		{"regex anchored", `/docs/`, "https://example.com/api/docs/intro", false},
		{"regex case insensitive", `/\/DOCS\/.*/`, "https://example.com/docs/intro", true},
		{"regex on full url", `/https:\/\/example\.com\/.*\.pdf/`, "https://example.com/files/a.pdf", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := CompilePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.url))
			assert.Equal(t, tt.pattern, p.String())
		})
	}
}

func TestCompilePatternsSkipsInvalid(t *testing.T) {
	t.Parallel()

	compiled := CompilePatterns([]string{"/[unclosed/", "  ", "*/ok/*"})
	require.Len(t, compiled, 1)
	assert.Equal(t, "*/ok/*", compiled[0].String())

	_, err := CompilePattern("/[unclosed/")
	assert.Error(t, err)
}

func TestMatchesIncludePatterns(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchesIncludePatterns("https://example.com/anything", nil))
	assert.True(t, MatchesIncludePatterns("https://example.com/blog/a", []string{"*/blog/*"}))
	assert.False(t, MatchesIncludePatterns("https://example.com/about", []string{"*/blog/*"}))
	assert.False(t, MatchesAny("https://example.com/about", []string{"/[bad/"}))
}

func TestDefaultExcludePatterns(t *testing.T) {
	t.Parallel()

	filter := NewURLFilter(nil, DefaultExcludePatterns)

	excluded := []string{
		"https://example.com/wp-admin/options.php",
		"https://example.com/wp-login.php",
		"https://example.com/admin",
		"https://example.com/api/v1/items",
		"https://example.com/feed",
		"https://example.com/sitemap.xml",
		"https://example.com/login?next=/",
		"https://example.com/cart",
	}
	for _, u := range excluded {
		assert.False(t, filter.Keep(u), u)
	}

	kept := []string{
		"https://example.com/",
		"https://example.com/about",
		"https://example.com/blog/administration-tips",
		"https://example.com/features",
	}
	for _, u := range kept {
		assert.True(t, filter.Keep(u), u)
	}
}

func TestURLFilterExcludeWins(t *testing.T) {
	t.Parallel()

	filter := NewURLFilter([]string{"*/blog/*"}, []string{"*/blog/drafts/*"})

	assert.True(t, filter.Keep("https://example.com/blog/post"))
	assert.False(t, filter.Keep("https://example.com/blog/drafts/next"))
	assert.False(t, filter.Keep("https://example.com/about"))
}
