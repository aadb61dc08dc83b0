package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "scripts and styles stripped",
			html: `<html><head><title>Title</title><style>.a{color:red}</style></head>
<body><script>var x = 1;</script><p>Hello <b>world</b></p><noscript>Enable JS</noscript></body></html>`,
			want: "Hello world",
		},
		{
			name: "blocks do not run together",
			html: `<body><h1>Heading</h1><p>First</p><p>Second</p><ul><li>One</li><li>Two</li></ul></body>`,
			want: "Heading First Second One Two",
		},
		{
			name: "boilerplate phrases removed case insensitively",
			html: `<body><p>CLICK HERE to continue</p><footer>All rights reserved</footer></body>`,
			want: "to continue",
		},
		{
			name: "comments ignored",
			html: `<body><!-- hidden note --><p>Visible</p></body>`,
			want: "Visible",
		},
		{
			name: "whitespace normalised",
			html: "<body><p>  spaced \n\n\t out  </p></body>",
			want: "spaced out",
		},
		{
			name: "empty document",
			html: "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractText([]byte(tt.html))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoilerplateNeedsWordBoundary(t *testing.T) {
	t.Parallel()

	got, err := ExtractText([]byte(`<body><p>Our backtotop service reads moreover</p></body>`))
	require.NoError(t, err)
	assert.Equal(t, "Our backtotop service reads moreover", got)
}
