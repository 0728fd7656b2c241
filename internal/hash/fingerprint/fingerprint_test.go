package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

func TestComputeIsStable(t *testing.T) {
	t.Parallel()

	opts := scraping.JobOptions{ExtractText: true, TimeoutSeconds: 30}
	a, err := Compute("https://example.com/page", "h1", opts)
	require.NoError(t, err)
	b, err := Compute("https://example.com/page", "h1", opts)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "cache:url:"))
	require.Len(t, strings.TrimPrefix(a, "cache:url:"), 16)
}

func TestComputeNormalizesURL(t *testing.T) {
	t.Parallel()

	variants := []string{
		"https://example.com/page",
		"HTTPS://EXAMPLE.COM/page",
		"https://example.com:443/page",
		"https://example.com/page/",
		"https://example.com/page#section",
	}
	first, err := Compute(variants[0], "", scraping.JobOptions{})
	require.NoError(t, err)
	for _, v := range variants[1:] {
		got, err := Compute(v, "", scraping.JobOptions{})
		require.NoError(t, err)
		require.Equal(t, first, got, "url %s should share the fingerprint", v)
	}
}

func TestComputeDistinguishesInputs(t *testing.T) {
	t.Parallel()

	base, err := Compute("https://example.com", "", scraping.JobOptions{})
	require.NoError(t, err)

	otherURL, err := Compute("https://example.com/other", "", scraping.JobOptions{})
	require.NoError(t, err)
	require.NotEqual(t, base, otherURL)

	otherSelector, err := Compute("https://example.com", "h1", scraping.JobOptions{})
	require.NoError(t, err)
	require.NotEqual(t, base, otherSelector)

	otherOpts, err := Compute("https://example.com", "", scraping.JobOptions{ExtractLinks: true})
	require.NoError(t, err)
	require.NotEqual(t, base, otherOpts)
}
