package cachekey

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strings"
)

// Key identifies a stored response.
// It is the lower-case hex MD5 digest of the target URL, which makes it safe to use as a file name.
type Key string

const querySeparator = "?"

// Derive returns the cache key for a fully-qualified target URL.
func Derive(targetURL string) Key {
	sum := md5.Sum([]byte(targetURL))
	return Key(hex.EncodeToString(sum[:]))
}

type Keyer struct {
	// Base URL of the origin, e.g. `http://localhost:3000`.
	// It is used verbatim, so a trailing slash results in a double slash in target URLs.
	OriginBase string
	// Include the raw query string in the key.
	// Off by default, which means `/item?id=1` and `/item?id=2` share a key.
	IncludeQuery bool
}

func NewKeyer(originBase string, includeQuery bool) Keyer {
	return Keyer{
		OriginBase:   originBase,
		IncludeQuery: includeQuery,
	}
}

// TargetURL returns the origin URL the request maps to, without the query string.
func (k Keyer) TargetURL(r *http.Request) string {
	return k.OriginBase + "/" + strings.TrimPrefix(r.URL.Path, "/")
}

// Key returns the cache key for the request.
func (k Keyer) Key(r *http.Request) Key {
	target := k.TargetURL(r)
	if k.IncludeQuery && r.URL.RawQuery != "" {
		target += querySeparator + r.URL.RawQuery
	}
	return Derive(target)
}

func (k Key) String() string {
	return string(k)
}
