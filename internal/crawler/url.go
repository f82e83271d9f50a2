package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrInvalidSeed is returned when a seed URL cannot anchor a crawl.
var ErrInvalidSeed = errors.New("invalid seed url")

// ScopePolicy selects how discovered hosts are compared with the seed host.
type ScopePolicy string

// Supported scope policies.
const (
	// ScopeExactHost admits only URLs whose host equals the seed host.
	ScopeExactHost ScopePolicy = "exact_host"
	// ScopeRegistrableDomain admits every subdomain of the seed's registrable domain.
	ScopeRegistrableDomain ScopePolicy = "registrable_domain"
)

// ParseScopePolicy validates a configured policy name. Empty means exact host.
func ParseScopePolicy(raw string) (ScopePolicy, error) {
	switch ScopePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ScopeExactHost:
		return ScopeExactHost, nil
	case ScopeRegistrableDomain:
		return ScopeRegistrableDomain, nil
	default:
		return "", fmt.Errorf("unknown scope policy %q", raw)
	}
}

// URLPolicy controls normalization and scoping.
type URLPolicy struct {
	Scope     ScopePolicy
	KeepQuery bool
}

// excludedExtensions lists non-document resources that are never fetched.
var excludedExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".tiff": {}, ".tif": {},
	".ico": {}, ".svg": {}, ".webp": {}, ".heif": {}, ".heic": {}, ".avif": {},
	".css": {}, ".js": {}, ".mjs": {}, ".map": {},
	".mp4": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".mkv": {}, ".mp3": {}, ".wav": {}, ".ogg": {}, ".flac": {},
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {}, ".pptx": {}, ".odt": {},
	".zip": {}, ".rar": {}, ".7z": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".exe": {}, ".dmg": {}, ".iso": {},
}

// IsExcludedResource reports whether the URL path ends with a non-document extension.
// Unparseable URLs are excluded.
func IsExcludedResource(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	_, excluded := excludedExtensions[ext]
	return excluded
}

// Classifier normalizes and scopes URLs relative to one seed.
type Classifier struct {
	policy   URLPolicy
	host     string // canonical authority of the seed
	hostname string // seed host without port
	root     string // registrable domain of the seed
}

// NewClassifier derives the domain scope from the seed URL.
func NewClassifier(seed string, policy URLPolicy) (*Classifier, error) {
	if policy.Scope == "" {
		policy.Scope = ScopeExactHost
	}
	u, err := url.Parse(strings.TrimSpace(seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if !isHTTPScheme(u.Scheme) || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q must be an absolute http(s) url", ErrInvalidSeed, seed)
	}
	c := &Classifier{
		policy:   policy,
		host:     canonicalHost(u),
		hostname: strings.ToLower(u.Hostname()),
	}
	c.root = c.hostname
	if policy.Scope == ScopeRegistrableDomain {
		if root, err := publicsuffix.EffectiveTLDPlusOne(c.hostname); err == nil {
			c.root = root
		}
	}
	return c, nil
}

// Host returns the canonical seed authority the scope is anchored to.
func (c *Classifier) Host() string {
	return c.host
}

// Normalize resolves raw against base and canonicalizes it. base may be empty
// when raw is already absolute. Normalize(Normalize(u)) == Normalize(u).
func (c *Classifier) Normalize(base, raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		ref = b.ResolveReference(ref)
	}
	return c.canonicalize(ref)
}

func (c *Classifier) canonicalize(u *url.URL) (string, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if !isHTTPScheme(u.Scheme) {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Opaque != "" || u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", u.String())
	}
	u.Host = canonicalHost(u)
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false
	if c.policy.KeepQuery {
		u.RawQuery = u.Query().Encode()
	} else {
		u.RawQuery = ""
	}
	u.Path = cleanPath(u.Path)
	u.RawPath = ""
	return u.String(), nil
}

// InScope reports whether raw belongs to the seed's domain scope. A URL that
// mentions the scope host in its query string is never in scope.
func (c *Classifier) InScope(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !isHTTPScheme(strings.ToLower(u.Scheme)) || u.Hostname() == "" {
		return false
	}
	if u.RawQuery != "" && strings.Contains(strings.ToLower(u.RawQuery), c.hostname) {
		return false
	}
	switch c.policy.Scope {
	case ScopeRegistrableDomain:
		host := strings.ToLower(u.Hostname())
		return host == c.root || strings.HasSuffix(host, "."+c.root)
	default:
		return canonicalHost(u) == c.host
	}
}

// Admit normalizes raw and reports whether it may enter the frontier.
func (c *Classifier) Admit(base, raw string) (string, bool) {
	normalized, err := c.Normalize(base, raw)
	if err != nil {
		return "", false
	}
	if IsExcludedResource(normalized) || !c.InScope(normalized) {
		return "", false
	}
	return normalized, true
}

func isHTTPScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

func canonicalHost(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case strings.EqualFold(u.Scheme, "http") && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case strings.EqualFold(u.Scheme, "https") && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	cleaned := path.Clean("/" + p)
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
