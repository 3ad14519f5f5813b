package filter

import (
	"bytes"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/match"
)

// Policy is an immutable snapshot of the forbidden hosts and banned words.
//
// A Policy is built once at startup and shared by every connection handler.
// It exposes no mutators, so concurrent lookups need no synchronization.
type Policy struct {
	hosts map[string]struct{}
	globs []string
	words [][]byte
}

// New builds a Policy from host and word lists. Entries are trimmed and
// lower-cased; empty entries and duplicates are dropped.
//
// Host entries containing '*' are treated as glob patterns (for example
// "*.ads.example"); all other host entries match exactly.
func New(hosts, words []string) *Policy {
	p := &Policy{hosts: make(map[string]struct{})}

	for _, h := range normalize(hosts) {
		if strings.Contains(h, "*") {
			p.globs = append(p.globs, h)
			continue
		}
		p.hosts[h] = struct{}{}
	}

	p.words = lo.Map(normalize(words), func(w string, _ int) []byte {
		return []byte(w)
	})

	return p
}

// Empty returns a Policy that blocks nothing.
func Empty() *Policy {
	return New(nil, nil)
}

// IsHostForbidden reports whether host is on the blocklist.
func (p *Policy) IsHostForbidden(host string) bool {
	host = strings.ToLower(host)
	if _, ok := p.hosts[host]; ok {
		return true
	}
	for _, g := range p.globs {
		if match.Match(host, g) {
			return true
		}
	}
	return false
}

// ContainsBannedWord reports whether b contains any banned word, ignoring
// case. Only the bytes of b are examined; a word split across two calls is
// not detected.
func (p *Policy) ContainsBannedWord(b []byte) bool {
	if len(p.words) == 0 || len(b) == 0 {
		return false
	}
	lower := bytes.ToLower(b)
	for _, w := range p.words {
		if bytes.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Counts returns the number of host entries (exact and glob) and banned words.
func (p *Policy) Counts() (hosts, words int) {
	return len(p.hosts) + len(p.globs), len(p.words)
}

func normalize(list []string) []string {
	out := lo.Map(list, func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	return lo.Uniq(lo.Compact(out))
}
