package mailbox

import (
	"strings"

	"golang.org/x/net/html"
)

// NoReadableBody is the sentinel body used when a message has no part
// that can be rendered as text.
const NoReadableBody = "(no readable content)"

// maxBodyLinks caps how many anchor targets survive into the Links block.
const maxBodyLinks = 3

// linkBlocklist filters out anchor targets that are tracking, protocol
// noise, or list plumbing rather than content.
var linkBlocklist = []string{
	"unsubscribe",
	"mailto:",
	"tel:",
	"track",
	"click",
	"open.",
	"list-",
}

// skipElements are elements whose text content should be discarded.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"head":     true,
}

// StripMarkup converts HTML to plain text. Anchor targets are collected
// while tags are stripped; the ones that survive the blocklist are
// appended as a trailing "Links:" block (at most maxBodyLinks, unique,
// in first-seen order). Whitespace is normalized as a side effect.
func StripMarkup(raw string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(raw))

	var text strings.Builder
	var links []string
	seen := make(map[string]bool)
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			tag := strings.ToLower(string(name))

			if skipElements[tag] && tt == html.StartTagToken {
				skipDepth++
				continue
			}

			if tag == "a" && hasAttr {
				if target := anchorTarget(tokenizer); target != "" &&
					!blockedLink(target) && !seen[target] {
					seen[target] = true
					links = append(links, target)
				}
			}

			// Tag boundaries separate words in the visible text.
			text.WriteByte(' ')

		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skipElements[strings.ToLower(string(name))] && skipDepth > 0 {
				skipDepth--
			}
			text.WriteByte(' ')

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text.Write(tokenizer.Text())
		}
	}

	out := NormalizeWhitespace(text.String())

	if len(links) > 0 {
		if len(links) > maxBodyLinks {
			links = links[:maxBodyLinks]
		}
		out += "\n\nLinks:\n" + strings.Join(links, "\n")
	}

	return out
}

// anchorTarget returns the href attribute of the anchor tag the
// tokenizer is currently positioned on.
func anchorTarget(tokenizer *html.Tokenizer) string {
	for {
		key, val, more := tokenizer.TagAttr()
		if strings.EqualFold(string(key), "href") {
			return strings.TrimSpace(string(val))
		}
		if !more {
			return ""
		}
	}
}

// blockedLink reports whether a target matches the blocklist,
// case-insensitively.
func blockedLink(target string) bool {
	lower := strings.ToLower(target)
	for _, bad := range linkBlocklist {
		if strings.Contains(lower, bad) {
			return true
		}
	}
	return false
}

// NormalizeWhitespace collapses every run of whitespace to a single
// space and trims the ends. Extraction applies it to all bodies so that
// fingerprints and prompt sizes stay stable across provider quirks.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
