package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb924", Hash(""))
	assert.Len(t, Hash("hello"), HashLength)
	assert.Equal(t, Hash("hello"), Hash("hello"))
	assert.NotEqual(t, Hash("hello"), Hash("Hello"))
}

func TestCompressionRatio(t *testing.T) {
	t.Parallel()

	empty, err := CompressionRatio("")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, empty, 0.0001)

	repetitive, err := CompressionRatio(strings.Repeat("the same words again ", 500))
	require.NoError(t, err)
	assert.Greater(t, repetitive, 0.0)
	assert.Less(t, repetitive, 0.1)

	varied, err := CompressionRatio("The quick brown fox jumps over the lazy dog while 42 zebras quietly vanish.")
	require.NoError(t, err)
	assert.Greater(t, varied, repetitive)
}

func TestChunk(t *testing.T) {
	t.Parallel()

	chunks, err := Chunk("   ", DefaultChunkConfig())
	require.NoError(t, err)
	assert.Empty(t, chunks)

	text := strings.Repeat("word ", 200)
	chunks, err = Chunk(text, ChunkConfig{ChunkSize: 100, ChunkOverlap: 0})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 100)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Fingerprint("Hello   World"), Fingerprint(" hello world "))
	assert.NotEqual(t, Fingerprint("hello world"), Fingerprint("hello there"))
	assert.Len(t, Fingerprint("anything"), 16)
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><body><main><h1>Pricing</h1><p>Plans start at ten dollars a month.</p></main></body></html>`)

	a, err := Analyze(body, DefaultChunkConfig())
	require.NoError(t, err)

	assert.Equal(t, "Pricing Plans start at ten dollars a month.", a.Text)
	assert.Equal(t, int64(len(a.Text)), a.ContentSize)
	assert.Equal(t, Hash(a.Text), a.ContentHash)
	assert.Equal(t, 1, a.ChunkCount)
	assert.Len(t, a.Fingerprints, 1)
	assert.Zero(t, a.PageDuplicates)
	assert.Greater(t, a.CompressionRatio, 0.0)
}

func TestAnalyzeCountsRepeatedChunks(t *testing.T) {
	t.Parallel()

	body := []byte(`<body><p>aaaa bbbb aaaa bbbb aaaa bbbb</p></body>`)

	a, err := Analyze(body, ChunkConfig{ChunkSize: 9, ChunkOverlap: 0})
	require.NoError(t, err)

	assert.Equal(t, 3, a.ChunkCount)
	assert.Len(t, a.Fingerprints, 1)
	assert.Equal(t, 2, a.PageDuplicates)
}

func TestAnalyzeEmptyPage(t *testing.T) {
	t.Parallel()

	a, err := Analyze([]byte(`<html><body><script>x()</script></body></html>`), DefaultChunkConfig())
	require.NoError(t, err)

	assert.Empty(t, a.Text)
	assert.Zero(t, a.ContentSize)
	assert.Zero(t, a.ChunkCount)
	assert.Empty(t, a.Fingerprints)
	assert.InDelta(t, 1.0, a.CompressionRatio, 0.0001)
}
