package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/tmc/langchaingo/textsplitter"
)

// HashLength is the number of hex characters kept from the SHA-256 digest
const HashLength = 32

// ChunkConfig controls how text is split into chunks
type ChunkConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// DefaultChunkConfig returns the chunking used for page content
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkSize:    1000,
		ChunkOverlap: 100,
	}
}

// Hash returns the truncated hex SHA-256 digest of text
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:HashLength]
}

var encoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// CompressionRatio returns compressed size divided by raw size, rounded to four
// decimals. Lower is more compressible; empty text reports 1.
func CompressionRatio(text string) (float64, error) {
	if text == "" {
		return 1, nil
	}

	enc, err := encoder()
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	compressed := enc.EncodeAll([]byte(text), nil)
	ratio := float64(len(compressed)) / float64(len(text))
	return math.Round(ratio*10000) / 10000, nil
}

// Chunk splits text with a recursive character splitter
func Chunk(text string, cfg ChunkConfig) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)

	parts, err := splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split text: %w", err)
	}

	chunks := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			chunks = append(chunks, part)
		}
	}
	return chunks, nil
}

// Fingerprint returns a case and whitespace insensitive xxhash of a chunk
func Fingerprint(chunk string) string {
	normalised := strings.ToLower(whitespaceRe.ReplaceAllString(strings.TrimSpace(chunk), " "))
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalised))
}

// Analysis is everything the page processor stores about a document
type Analysis struct {
	Text             string
	ContentSize      int64
	ContentHash      string
	CompressionRatio float64
	ChunkCount       int
	// Fingerprints holds one entry per distinct chunk on the page
	Fingerprints []string
	// PageDuplicates counts chunks repeated within the page itself
	PageDuplicates int
}

// Analyze extracts text from an HTML document and computes its hash, compression
// ratio and chunk fingerprints
func Analyze(body []byte, cfg ChunkConfig) (*Analysis, error) {
	text, err := ExtractText(body)
	if err != nil {
		return nil, err
	}

	ratio, err := CompressionRatio(text)
	if err != nil {
		return nil, err
	}

	chunks, err := Chunk(text, cfg)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		Text:             text,
		ContentSize:      int64(len(text)),
		ContentHash:      Hash(text),
		CompressionRatio: ratio,
		ChunkCount:       len(chunks),
	}

	seen := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		fp := Fingerprint(chunk)
		if seen[fp] {
			a.PageDuplicates++
			continue
		}
		seen[fp] = true
		a.Fingerprints = append(a.Fingerprints, fp)
	}

	return a, nil
}
