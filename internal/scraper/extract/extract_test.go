package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
	<title>Example Domain</title>
	<meta name="description" content="A sample page">
</head>
<body>
	<h1>Welcome</h1>
	<h2>Section One</h2>
	<h2>Section Two</h2>
	<p class="intro">First paragraph.</p>
	<p class="intro">Second paragraph.</p>
	<a href="/about">About</a>
	<a href="https://other.example/page">Other</a>
	<a href="/about">About again</a>
	<a href="javascript:void(0)">Noop</a>
	<img src="/logo.png" alt="logo">
	<img src="https://cdn.example/banner.jpg">
</body>
</html>`

func TestFromHTMLFullDocument(t *testing.T) {
	t.Parallel()

	opts := scraping.JobOptions{
		ExtractText:     true,
		ExtractHeadings: true,
		ExtractLinks:    true,
		ExtractImages:   true,
	}
	data, title, err := FromHTML("https://example.com/page", []byte(samplePage), "", opts)
	require.NoError(t, err)
	require.Equal(t, "Example Domain", title)
	require.Equal(t, "Example Domain", data["title"])
	require.Equal(t, "A sample page", data["meta_description"])

	content, ok := data["content"].(string)
	require.True(t, ok)
	require.Contains(t, content, "First paragraph.")

	headings, ok := data["headings"].(map[string][]string)
	require.True(t, ok)
	require.Equal(t, []string{"Welcome"}, headings["h1"])
	require.Equal(t, []string{"Section One", "Section Two"}, headings["h2"])

	links, ok := data["links"].([]string)
	require.True(t, ok)
	require.Equal(t, []string{"https://example.com/about", "https://other.example/page"}, links)

	images, ok := data["images"].([]string)
	require.True(t, ok)
	require.Equal(t, []string{"https://example.com/logo.png", "https://cdn.example/banner.jpg"}, images)
}

func TestFromHTMLSelectorScopesTextAndHTML(t *testing.T) {
	t.Parallel()

	opts := scraping.JobOptions{ExtractText: true, ExtractHTML: true}
	data, _, err := FromHTML("https://example.com", []byte(samplePage), "p.intro", opts)
	require.NoError(t, err)

	require.Equal(t, "First paragraph.\nSecond paragraph.", data["content"])
	require.Equal(t, `<p class="intro">First paragraph.</p>`, data["html"])
}

func TestFromHTMLSelectorWithNoMatchesFallsBack(t *testing.T) {
	t.Parallel()

	opts := scraping.JobOptions{ExtractText: true}
	data, _, err := FromHTML("https://example.com", []byte(samplePage), "div.absent", opts)
	require.NoError(t, err)

	content, ok := data["content"].(string)
	require.True(t, ok)
	require.Contains(t, content, "Welcome")
}

func TestFromHTMLNothingRequested(t *testing.T) {
	t.Parallel()

	data, title, err := FromHTML("https://example.com", []byte(samplePage), "", scraping.JobOptions{})
	require.NoError(t, err)
	require.Equal(t, "Example Domain", title)
	require.NotContains(t, data, "content")
	require.NotContains(t, data, "links")
}
