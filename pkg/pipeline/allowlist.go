package pipeline

import (
	"net/netip"
	"path"
	"strings"
)

// Allowlist matches source instance identifiers against exact strings,
// CIDR ranges, and *-wildcard patterns. A single "*" entry allows everything.
type Allowlist struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
	patterns []string
	allowAll bool
}

// NewAllowlist parses the configured entries. Unparseable CIDRs are kept as
// literal patterns rather than rejected; misconfiguration should fail closed
// on match, not crash the gateway.
func NewAllowlist(entries []string) *Allowlist {
	al := &Allowlist{exact: map[string]struct{}{}}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			al.allowAll = true
		case strings.Contains(entry, "/"):
			if p, err := netip.ParsePrefix(entry); err == nil {
				al.prefixes = append(al.prefixes, p)
			} else {
				al.exact[entry] = struct{}{}
			}
		case strings.Contains(entry, "*"):
			al.patterns = append(al.patterns, entry)
		default:
			al.exact[entry] = struct{}{}
		}
	}
	return al
}

// Allowed reports whether the identity (an instance name, hostname, or IP)
// passes the list.
func (al *Allowlist) Allowed(identity string) bool {
	if al.allowAll {
		return true
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false
	}
	if _, ok := al.exact[identity]; ok {
		return true
	}
	if addr, err := netip.ParseAddr(identity); err == nil {
		for _, p := range al.prefixes {
			if p.Contains(addr) {
				return true
			}
		}
	}
	for _, pattern := range al.patterns {
		if ok, _ := path.Match(pattern, identity); ok {
			return true
		}
	}
	return false
}
