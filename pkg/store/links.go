package store

import (
	"net/url"
	"regexp"
	"strings"
)

type Link struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// urlRegex matches http(s) URLs and bare www. hosts in message text.
var urlRegex = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'` + "`" + `]+`)

// ExtractLinks returns the distinct URLs found in text with their
// lowercased host as domain ("www." is dropped). Trailing punctuation that
// usually ends a sentence is not part of the URL.
func ExtractLinks(text string) []Link {
	matches := urlRegex.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	links := make([]Link, 0, len(matches))
	for _, raw := range matches {
		raw = trimURLPunctuation(raw)
		domain := linkDomain(raw)
		if domain == "" {
			continue
		}
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		links = append(links, Link{URL: raw, Domain: domain})
	}
	return links
}

func trimURLPunctuation(raw string) string {
	for len(raw) > 0 {
		last := raw[len(raw)-1]
		switch last {
		case '.', ',', ';', ':', '!', '?', '\'', '"':
			raw = raw[:len(raw)-1]
			continue
		case ')':
			// Keep balanced parentheses, as in wiki URLs.
			if strings.Count(raw, "(") >= strings.Count(raw, ")") {
				return raw
			}
			raw = raw[:len(raw)-1]
			continue
		}
		return raw
	}
	return raw
}

func linkDomain(raw string) string {
	target := raw
	if !strings.Contains(strings.ToLower(target), "://") {
		target = "http://" + target
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	return host
}

// NormalizeDomain prepares a domain filter value the same way link domains
// are stored.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	if strings.Contains(domain, "://") {
		if d := linkDomain(domain); d != "" {
			return d
		}
	}
	domain = strings.TrimSuffix(domain, "/")
	return strings.TrimPrefix(domain, "www.")
}
