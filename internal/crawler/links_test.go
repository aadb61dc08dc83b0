package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linksPage = `<html>
<head><base href="https://example.com/docs/"></head>
<body>
  <a href="/outside">Outside any container</a>
  <nav>
    <a href="/about">About</a>
    <a href="pricing#plans">Pricing</a>
    <a href="/about">About again</a>
  </nav>
  <main>
    <section><a href="guide">Guide</a></section>
    <a href="mailto:hello@example.com">Mail</a>
    <a href="javascript:void(0)">Script</a>
    <a href="#top">Top</a>
    <a href="tel:+6100000000">Call</a>
    <a href="/private" rel="Nofollow noopener">Private</a>
    <a href="/hidden" style="display: none">Hidden</a>
    <div class="sr-only"><a href="/screen-reader">Skip</a></div>
    <div aria-hidden="true"><a href="/aria">Aria</a></div>
    <a href="https://EXAMPLE.com/Contact">Contact</a>
    <a href="ftp://example.com/file">File</a>
  </main>
</body>
</html>`

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks("https://example.com/", []byte(linksPage))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/about",
		"https://example.com/docs/pricing",
		"https://example.com/docs/guide",
		"https://example.com/Contact",
	}, links)
}

func TestExtractLinksWithoutContainers(t *testing.T) {
	t.Parallel()

	body := `<html><body><div><a href="/a">A</a><a href="b">B</a></div></body></html>`

	links, err := ExtractLinks("https://example.com/dir/page", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/dir/b"}, links)
}

func TestExtractLinksNestedContainersDoNotRepeat(t *testing.T) {
	t.Parallel()

	body := `<html><body><main><article><section><a href="/once">Once</a></section></article></main></body></html>`

	links, err := ExtractLinks("https://example.com/", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/once"}, links)
}

func TestExtractLinksInvalidBase(t *testing.T) {
	t.Parallel()

	_, err := ExtractLinks("://missing-scheme", []byte("<html></html>"))
	assert.Error(t, err)
}

func TestExtractLinksEmptyDocument(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks("https://example.com/", nil)
	require.NoError(t, err)
	assert.Empty(t, links)
}
