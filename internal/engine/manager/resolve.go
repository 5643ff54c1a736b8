// URL resolution: spec.md §4.E's resolve_url/resolve_urls and §6's
// protocol handler contract. Net new relative to the teacher, which never
// resolves a URL through a pluggable scheme handler — grounded loosely on
// the shape of the teacher's other caching maps (e.g. its 5-minute
// redirect/probe caches) since no pack repo shows this exact component.
package manager

import (
	"strings"
	"sync"
	"time"

	"github.com/modfetch/engine/internal/engine/types"
	"github.com/modfetch/engine/internal/utils"
)

// ProtocolHandler resolves an input URL (e.g. a magnet link, a mirror-list
// redirector) into one or more concrete HTTP(S) URLs.
type ProtocolHandler func(url string) ([]string, error)

type resolveCacheEntry struct {
	urls      []string
	expiresAt time.Time
}

// resolver owns the protocol handler registry and the 5-minute resolve
// cache, keyed on input URL.
type resolver struct {
	mu       sync.Mutex
	handlers map[string]ProtocolHandler
	cache    map[string]resolveCacheEntry
}

func newResolver(handlers map[string]ProtocolHandler) *resolver {
	if handlers == nil {
		handlers = map[string]ProtocolHandler{}
	}
	return &resolver{
		handlers: handlers,
		cache:    make(map[string]resolveCacheEntry),
	}
}

// resolveURL implements spec.md §4.E's resolve_url: cache hit within 5
// minutes returns the cached list; otherwise dispatch to the scheme's
// handler. No handler registered means identity. A handler failure is
// logged and treated as an empty result, never a fatal error.
func (r *resolver) resolveURL(input string) []string {
	r.mu.Lock()
	if entry, ok := r.cache[input]; ok && time.Now().Before(entry.expiresAt) {
		r.mu.Unlock()
		return entry.urls
	}
	r.mu.Unlock()

	scheme := schemeOf(input)
	var urls []string

	r.mu.Lock()
	handler, ok := r.handlers[scheme]
	r.mu.Unlock()

	if !ok {
		urls = []string{input}
	} else {
		resolved, err := handler(input)
		if err != nil {
			utils.Debug("protocol handler for scheme %q failed on %q: %v", scheme, input, err)
			urls = nil
		} else {
			urls = resolved
		}
	}

	r.mu.Lock()
	r.cache[input] = resolveCacheEntry{urls: urls, expiresAt: time.Now().Add(types.URLResolveExpire)}
	r.mu.Unlock()

	return urls
}

// resolveURLs is the memoized lazy concatenation of resolveURL over every
// input mirror URL.
func (r *resolver) resolveURLs(inputs []string) []string {
	var out []string
	for _, in := range inputs {
		out = append(out, r.resolveURL(in)...)
	}
	return out
}

func schemeOf(rawURL string) string {
	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		return rawURL[:idx]
	}
	return ""
}
