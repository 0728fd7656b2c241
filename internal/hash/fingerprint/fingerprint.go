// Package fingerprint computes stable cache keys for scrape requests.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/scrapeworks/scrapeqd/internal/scraping"
)

const keyPrefix = "cache:url:"

// Compute returns a content-addressed key for (URL, selector, options).
// The URL is normalized and the options are serialized with sorted keys, so
// logically identical requests always map to the same key.
func Compute(rawURL, selector string, options scraping.JobOptions) (string, error) {
	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	opts, err := canonicalOptions(options)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]any{
		"url":      normalized,
		"selector": selector,
		"options":  opts,
	})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:])[:16], nil
}

// normalizeURL lowercases the scheme and host and strips default ports and
// trailing slashes so trivially different spellings share a fingerprint.
func normalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	u.Fragment = ""
	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// canonicalOptions round-trips the options through JSON into a map, which
// encoding/json marshals with sorted keys. Zero-value fields are omitted by
// the struct tags, so defaults do not perturb the fingerprint.
func canonicalOptions(options scraping.JobOptions) (map[string]any, error) {
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return out, nil
}
