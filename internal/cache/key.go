package cache

import (
	"net/url"
	"path"
	"strings"
)

// NormalizeKey derives the cache key for a read: the cleaned path, keeping a
// trailing slash, followed by the query with parameters sorted by name.
// Scheme and host are not part of the key; stores are namespaced per instance.
func NormalizeKey(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	key := path.Clean(p)
	if strings.HasSuffix(p, "/") && key != "/" {
		key += "/"
	}

	if u.RawQuery != "" {
		if q := u.Query(); len(q) > 0 {
			key += "?" + q.Encode()
		}
	}
	return key
}

// NormalizeTarget parses a path or URL string and returns its cache key.
func NormalizeTarget(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	return NormalizeKey(u), nil
}
