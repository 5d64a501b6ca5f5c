// Package match resolves which externally-verified Search Console property
// corresponds to a user-owned website URL. Pure functions, no I/O.
package match

import (
	"net/url"
	"strings"

	"github.com/TheHypedge/riviso-sub001/internal/model"
)

// insufficientPermission marks properties the account can see but not act on.
const insufficientPermission = "siteUnverifiedUser"

// Eligible filters out properties without sufficient permission.
func Eligible(properties []model.ExternalProperty) []model.ExternalProperty {
	out := make([]model.ExternalProperty, 0, len(properties))
	for _, p := range properties {
		if p.PermissionLevel != insufficientPermission {
			out = append(out, p)
		}
	}
	return out
}

// Normalize canonicalizes a site URL for comparison: lowercase scheme and
// host, leading "www." stripped, trailing slash removed. Returns the
// normalized URL and the bare host. Unparsable input yields ("", "").
func Normalize(raw string) (normalized, host string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", ""
	}
	h := strings.ToLower(u.Host)
	h = strings.TrimPrefix(h, "www.")
	path := strings.TrimSuffix(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + h + path, h
}

// Match compares websiteURL against the account's properties and returns the
// best match plus every candidate. Entries without sufficient permission are
// ignored. Tie-break: any domain-scoped hit beats URL-prefix hits; among
// equals, input order wins and the caller decides whether one candidate is
// enough or the result is ambiguous.
func Match(websiteURL string, properties []model.ExternalProperty) model.MatchResult {
	normalized, host := Normalize(websiteURL)
	if normalized == "" {
		return model.MatchResult{}
	}
	origin := originOf(normalized)

	var candidates []model.ExternalProperty
	domainIdx := -1

	for i := range properties {
		p := properties[i]
		if p.PermissionLevel == insufficientPermission {
			continue
		}
		if d, ok := p.Domain(); ok {
			if strings.ToLower(d) == host {
				candidates = append(candidates, p)
				if domainIdx < 0 {
					domainIdx = len(candidates) - 1
				}
			}
			continue
		}
		entry, _ := Normalize(p.Identifier)
		if entry == "" {
			continue
		}
		if entry == normalized || entry == origin ||
			strings.HasPrefix(normalized, entry) || strings.HasPrefix(origin, entry) ||
			strings.HasPrefix(entry, normalized) {
			candidates = append(candidates, p)
		}
	}

	if domainIdx >= 0 {
		return model.MatchResult{Match: &candidates[domainIdx], Candidates: candidates}
	}
	if len(candidates) > 0 {
		return model.MatchResult{Match: &candidates[0], Candidates: candidates}
	}
	return model.MatchResult{}
}

// originOf strips the path from a normalized URL.
func originOf(normalized string) string {
	idx := strings.Index(normalized, "://")
	if idx < 0 {
		return normalized
	}
	rest := normalized[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return normalized[:idx+3+slash]
	}
	return normalized
}
