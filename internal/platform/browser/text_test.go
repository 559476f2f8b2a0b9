package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	html := `<html><head><style>p{}</style></head><body>
<nav>Menu</nav>
<main>
  <p>Hello    world</p>
  <script>alert(1)</script>

  <p>Second line</p>
</main>
</body></html>`

	text, err := extractText(html, "main")
	require.NoError(t, err)
	assert.Equal(t, "Hello world\nSecond line", text)

	text, err = extractText(html, "#missing")
	require.NoError(t, err)
	assert.Equal(t, "Menu\nHello world\nSecond line", text)
}

func TestUserIDFromCookies(t *testing.T) {
	tests := []struct {
		name    string
		cookies []Cookie
		want    string
	}{
		{"encoded", []Cookie{{Name: "twid", Value: "u%3D12345"}}, "12345"},
		{"quoted", []Cookie{{Name: "twid", Value: `"u=678"`}}, "678"},
		{"other cookies", []Cookie{{Name: "ct0", Value: "abc"}}, ""},
		{"unexpected format", []Cookie{{Name: "twid", Value: "12345"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, userIDFromCookies(tt.cookies))
		})
	}
}

func TestMatchTarget(t *testing.T) {
	targets := []string{"HomeTimeline", "UserTweets"}
	assert.Equal(t, "UserTweets", matchTarget("https://x.com/i/api/graphql/abc/UserTweets?variables=", targets))
	assert.Equal(t, "", matchTarget("https://x.com/i/api/1.1/jot", targets))
}
