// Package resolve maps incoming candidate records to existing canonical
// entities using a fixed ordered rule set: external ID, canonical URL,
// then a normalized title+price fallback key guarded by a price tolerance.
package resolve

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxTitleKeyLen bounds the normalized title used in fallback keys.
// Marketplace titles are frequently truncated by the source markup, so
// keys match on a stable prefix rather than the full title.
const maxTitleKeyLen = 60

// priceBucket is the rounding granularity for the price half of a
// title+price key.
const priceBucket = 1000

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N} ]+`)
)

// NormalizeTitle standardizes a listing title for fallback-key matching:
// unicode NFKC normalization, lowercasing, punctuation stripping, space
// collapsing, and truncation to a stable prefix.
func NormalizeTitle(title string) string {
	title = norm.NFKC.String(strings.TrimSpace(title))
	if title == "" {
		return ""
	}
	title = strings.ToLower(title)
	title = punctRe.ReplaceAllString(title, " ")
	title = multiSpaceRe.ReplaceAllString(title, " ")
	title = strings.TrimSpace(title)
	if len(title) > maxTitleKeyLen {
		cut := maxTitleKeyLen
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = strings.TrimSpace(title[:cut])
	}
	return title
}

// NormalizeURL canonicalizes a listing URL: lower-cased host and path,
// stripped query string, fragment, default port, and trailing slash.
// Returns "" when the input is not an absolute http(s) URL.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")

	path := strings.ToLower(u.EscapedPath())
	path = strings.TrimSuffix(path, "/")

	return scheme + "://" + host + path
}

// TitlePriceKey builds the composite fallback identity key from a
// normalized title and a price rounded to the nearest bucket.
// Returns "" unless both parts are usable.
func TitlePriceKey(title string, price float64) string {
	nt := NormalizeTitle(title)
	if nt == "" || price <= 0 {
		return ""
	}
	rounded := int64(math.Round(price/priceBucket)) * priceBucket
	return fmt.Sprintf("%s|%d", nt, rounded)
}

// TitleOfKey returns the normalized-title half of a composite
// title+price key. Matching works on the title with a separate price
// tolerance check, so two keys whose prices round to different buckets
// can still refer to the same listing.
func TitleOfKey(key string) string {
	if i := strings.LastIndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

// PriceWithinTolerance reports whether a candidate price is within the
// given fractional tolerance of the stored price. This guard prevents
// unrelated listings that share a truncated title from being merged.
func PriceWithinTolerance(candidate, stored, tolerance float64) bool {
	if stored <= 0 {
		return candidate <= 0
	}
	return math.Abs(candidate-stored)/stored <= tolerance
}
