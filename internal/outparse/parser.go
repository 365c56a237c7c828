// Package outparse scrapes a tunnel process's combined output for the public
// URL it was assigned or for the reason it failed.
//
// The tunneling CLI writes unstructured log lines, so matching is liberal.
// Resolution is strict: the first URL found wins and is never replaced, and an
// error guess is dropped as soon as a URL shows up.
package outparse

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// DefaultMaxBuffer bounds the retained output per tunnel.
	DefaultMaxBuffer = 64 * 1024
	// MaxErrorLen bounds the user-facing error text.
	MaxErrorLen = 240
)

// DefaultDomains are the public tunnel domains recognised in URLs.
var DefaultDomains = []string{"trycloudflare.com"}

// errorKeywords is ordered from most to least specific.
var errorKeywords = []*regexp.Regexp{
	regexp.MustCompile(`(?i)address already in use`),
	regexp.MustCompile(`(?i)connection refused`),
	regexp.MustCompile(`(?i)permission denied`),
	regexp.MustCompile(`(?i)no such host`),
	regexp.MustCompile(`(?i)unauthorized|forbidden`),
	regexp.MustCompile(`(?i)refused`),
	regexp.MustCompile(`(?i)failed`),
	regexp.MustCompile(`(?i)\berror\b|\bERR\b`),
}

// Update describes what a Feed call changed.
type Update struct {
	URL          string
	URLFound     bool
	Err          string
	ErrorChanged bool
}

// Parser accumulates output for one tunnel. It is safe for concurrent Feed
// calls from the stdout and stderr readers.
type Parser struct {
	mu       sync.Mutex
	buf      []byte
	max      int
	patterns []*regexp.Regexp
	url      string
	errMsg   string
}

// New creates a parser matching URLs under the given domains, or
// DefaultDomains when none are provided.
func New(domains ...string) *Parser {
	if len(domains) == 0 {
		domains = DefaultDomains
	}
	return &Parser{max: DefaultMaxBuffer, patterns: urlPatterns(domains)}
}

// urlPatterns builds the candidate variants in priority order: URLs introduced
// by a contextual phrase first, then any bare URL.
func urlPatterns(domains []string) []*regexp.Regexp {
	quoted := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSpace(strings.TrimPrefix(d, "."))
		if d == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(d))
	}
	if len(quoted) == 0 {
		quoted = append(quoted, regexp.QuoteMeta(DefaultDomains[0]))
	}
	host := `https://[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.(?:` + strings.Join(quoted, "|") + `)`
	end := `(?:[^a-z0-9.-]|\.?$|\.[^a-z0-9])`
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:available at|visit(?: it at)?)\s*:?\s*\|?\s*(` + host + `)` + end),
		regexp.MustCompile(`(?i)(` + host + `)` + end),
	}
}

// Feed appends a chunk of output and re-evaluates the buffer.
func (p *Parser) Feed(chunk []byte) Update {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, chunk...)
	if len(p.buf) > p.max {
		p.buf = p.buf[len(p.buf)-p.max:]
	}

	if p.url != "" {
		return Update{URL: p.url}
	}

	text := string(p.buf)
	if url := p.findURL(text); url != "" {
		p.url = url
		cleared := p.errMsg != ""
		p.errMsg = ""
		return Update{URL: p.url, URLFound: true, ErrorChanged: cleared}
	}

	msg := extractError(text)
	if msg == "" || msg == p.errMsg {
		return Update{Err: p.errMsg}
	}
	p.errMsg = msg
	return Update{Err: msg, ErrorChanged: true}
}

func (p *Parser) findURL(text string) string {
	for _, re := range p.patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			url := strings.ToLower(m[1])
			if reservedHost(url) {
				continue
			}
			return url
		}
	}
	return ""
}

// reservedHost filters service endpoints the CLI itself talks to, which show
// up in its error messages but are never a tunnel's public address.
func reservedHost(url string) bool {
	label, _, _ := strings.Cut(strings.TrimPrefix(url, "https://"), ".")
	switch label {
	case "api", "www":
		return true
	}
	return false
}

// URL returns the discovered public URL, if any.
func (p *Parser) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Err returns the provisional error. It is empty once a URL was found.
func (p *Parser) Err() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errMsg
}

// Tail returns the last non-empty lines of output, joined and truncated to
// at most maxLen bytes.
func (p *Parser) Tail(maxLen int) string {
	p.mu.Lock()
	text := string(p.buf)
	p.mu.Unlock()

	lines := strings.Split(strings.TrimSpace(text), "\n")
	var kept []string
	size := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if size+len(line) > maxLen && len(kept) > 0 {
			break
		}
		kept = append([]string{line}, kept...)
		size += len(line) + 1
	}
	return truncate(strings.Join(kept, " | "), maxLen)
}

// extractError finds the line matching the most specific failure keyword.
// Among lines matching the same keyword the latest one wins.
func extractError(text string) string {
	lines := strings.Split(text, "\n")
	for _, re := range errorKeywords {
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line != "" && re.MatchString(line) {
				return truncate(line, MaxErrorLen)
			}
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
