// Package router classifies outgoing requests once, up front, into a tagged
// Classification consumed by the interceptor strategies, and resolves the
// resource families a write invalidates.
package router

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/mipyme/offline/internal/cache"
	apperrors "github.com/mipyme/offline/internal/errors"
)

// Kind is the strategy a request is dispatched to.
type Kind string

const (
	// KindPassthrough goes to the network only: no cache, no queue.
	KindPassthrough Kind = "passthrough"
	// KindCacheableRead is network-first with cache fallback.
	KindCacheableRead Kind = "cacheable-read"
	// KindWrite is attempted once and queued on connectivity failure.
	KindWrite Kind = "write"
)

// Classification is the result of routing one request.
type Classification struct {
	Kind Kind
	// Method is the upper-cased HTTP method.
	Method string
	// Key is the normalized cache key of the target.
	Key string
	// Critical marks reads under a critical pattern; exempt from sweeps.
	Critical bool
	// Families lists the cache key prefixes a successful write invalidates.
	// Empty for reads and passthrough.
	Families []string
}

// IsRead reports whether the request uses the cacheable-read strategy.
func (c Classification) IsRead() bool { return c.Kind == KindCacheableRead }

// IsWrite reports whether the request uses the write strategy.
func (c Classification) IsWrite() bool { return c.Kind == KindWrite }

// Config lists the patterns the router is built from.
type Config struct {
	CacheablePatterns []string
	CriticalPatterns  []string
	// InvalidationMap maps a write family prefix to the read families a
	// successful write under it also invalidates.
	InvalidationMap map[string][]string
}

// pattern is a path prefix, or a glob matched segment by segment.
type pattern struct {
	raw      string
	glob     bool
	segments int
}

func compile(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, apperrors.New(apperrors.ErrConfig, "resource pattern must not be empty")
	}
	raw = rooted(raw)
	p := pattern{raw: raw}
	if strings.ContainsAny(raw, "*?[") {
		if _, err := path.Match(raw, ""); err != nil {
			return pattern{}, apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("invalid resource pattern %q", raw), err)
		}
		p.glob = true
		p.segments = strings.Count(strings.TrimSuffix(raw, "/"), "/")
	}
	return p, nil
}

func rooted(s string) string {
	if strings.HasPrefix(s, "/") {
		return s
	}
	return "/" + s
}

// match returns the matched family prefix of key, if any.
func (p pattern) match(key string) (string, bool) {
	keyPath := key
	if i := strings.IndexByte(keyPath, '?'); i >= 0 {
		keyPath = keyPath[:i]
	}

	if !p.glob {
		if strings.HasPrefix(keyPath, p.raw) {
			return p.raw, true
		}
		return "", false
	}

	lead, ok := leadingSegments(keyPath, p.segments)
	if !ok {
		return "", false
	}
	if matched, _ := path.Match(strings.TrimSuffix(p.raw, "/"), lead); !matched {
		return "", false
	}
	return lead + "/", true
}

// literalPrefix is the part of the pattern before the first glob segment.
func (p pattern) literalPrefix() string {
	if !p.glob {
		return p.raw
	}
	i := strings.IndexAny(p.raw, "*?[")
	return p.raw[:strings.LastIndexByte(p.raw[:i], '/')+1]
}

// leadingSegments returns the first n "/"-separated segments of p, joined
// with a leading slash and no trailing slash.
func leadingSegments(p string, n int) (string, bool) {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < n || n == 0 {
		return "", false
	}
	for _, s := range parts[:n] {
		if s == "" {
			return "", false
		}
	}
	return "/" + strings.Join(parts[:n], "/"), true
}

type invalidationRule struct {
	prefix  string
	targets []string
}

// Router classifies requests. A Router is immutable and safe for concurrent use.
type Router struct {
	cacheable    []pattern
	critical     []pattern
	invalidation []invalidationRule
}

// New compiles cfg into a Router.
func New(cfg Config) (*Router, error) {
	r := &Router{}
	for _, raw := range cfg.CacheablePatterns {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		r.cacheable = append(r.cacheable, p)
	}
	for _, raw := range cfg.CriticalPatterns {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		r.critical = append(r.critical, p)
	}

	for prefix, targets := range cfg.InvalidationMap {
		if prefix == "" {
			return nil, apperrors.New(apperrors.ErrConfig, "invalidation map key must not be empty")
		}
		rule := invalidationRule{prefix: rooted(prefix)}
		for _, t := range targets {
			if t == "" {
				return nil, apperrors.New(apperrors.ErrConfig,
					fmt.Sprintf("invalidation map entry %q has an empty target", prefix))
			}
			rule.targets = append(rule.targets, rooted(t))
		}
		r.invalidation = append(r.invalidation, rule)
	}
	// deterministic family order regardless of map iteration
	sort.Slice(r.invalidation, func(i, j int) bool {
		return r.invalidation[i].prefix < r.invalidation[j].prefix
	})
	return r, nil
}

// Classify routes req. Precedence: writes first, then reads matching a
// cacheable or critical pattern, then passthrough.
func (r *Router) Classify(req *http.Request) Classification {
	return r.classify(req.Method, req.URL)
}

// ClassifyTarget routes a method and a path or URL string.
func (r *Router) ClassifyTarget(method, target string) (Classification, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Classification{}, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid target %q", target), err)
	}
	return r.classify(method, u), nil
}

func (r *Router) classify(method string, u *url.URL) Classification {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	c := Classification{Method: method, Key: cache.NormalizeKey(u), Kind: KindPassthrough}

	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		c.Kind = KindWrite
		c.Families = r.Families(c.Key)
	case http.MethodGet, http.MethodHead:
		if r.IsCritical(c.Key) {
			c.Kind = KindCacheableRead
			c.Critical = true
		} else if r.isCacheable(c.Key) {
			c.Kind = KindCacheableRead
		}
	}
	return c
}

func (r *Router) isCacheable(key string) bool {
	for _, p := range r.cacheable {
		if _, ok := p.match(key); ok {
			return true
		}
	}
	return false
}

// IsCritical reports whether key falls under a critical pattern.
func (r *Router) IsCritical(key string) bool {
	for _, p := range r.critical {
		if _, ok := p.match(key); ok {
			return true
		}
	}
	return false
}

// CriticalPrefixes returns the literal key prefixes of critical patterns,
// used to exempt them from sweeps.
func (r *Router) CriticalPrefixes() []string {
	out := make([]string, 0, len(r.critical))
	for _, p := range r.critical {
		if lp := p.literalPrefix(); lp != "" && lp != "/" {
			out = append(out, lp)
		}
	}
	return out
}

// Families returns the cache key prefixes a successful write to key
// invalidates: the read families it falls under plus the invalidation map
// targets of every matching write family. When nothing matches, the
// write's own path is returned.
func (r *Router) Families(key string) []string {
	keyPath := key
	if i := strings.IndexByte(keyPath, '?'); i >= 0 {
		keyPath = keyPath[:i]
	}

	seen := make(map[string]bool)
	var out []string
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	for _, group := range [][]pattern{r.cacheable, r.critical} {
		for _, p := range group {
			if f, ok := p.match(keyPath); ok {
				add(f)
			}
		}
	}
	for _, rule := range r.invalidation {
		if strings.HasPrefix(keyPath, rule.prefix) {
			add(rule.prefix)
			for _, t := range rule.targets {
				add(t)
			}
		}
	}

	if len(out) == 0 {
		add(keyPath)
	}
	return out
}
