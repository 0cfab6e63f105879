package httpclient

import (
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 512

// cacheableStatus lists the statuses worth keeping. Negative results (404,
// 410) are cached too: scanners probe the same missing paths constantly.
var cacheableStatus = map[int]struct{}{
	http.StatusOK:                   {},
	http.StatusNonAuthoritativeInfo: {},
	http.StatusMovedPermanently:     {},
	http.StatusNotFound:             {},
	http.StatusGone:                 {},
}

type cacheEntry struct {
	status       int
	header       http.Header
	body         []byte
	truncated    bool
	storedAt     time.Time
	etag         string
	lastModified string
}

// responseCache is a bounded LRU over GET responses. Entries past the TTL
// are not evicted immediately; a stale entry with validators drives a
// conditional request, and a 304 renews it without re-downloading the body.
type responseCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *cacheEntry]
	ttl time.Duration
}

func newResponseCache(size int, ttl time.Duration) *responseCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		panic(err)
	}
	return &responseCache{lru: c, ttl: ttl}
}

func cacheKey(u string) string { return u }

// lookup returns the entry and whether it is still fresh.
func (c *responseCache) lookup(key string) (*cacheEntry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false, false
	}
	fresh := time.Since(e.storedAt) < c.ttl
	return e, fresh, true
}

// store keeps a completed response when its status is cacheable and the
// server did not forbid it.
func (c *responseCache) store(key string, resp *Response) {
	if _, ok := cacheableStatus[resp.StatusCode]; !ok {
		return
	}
	if noStore(resp.Header) {
		return
	}
	e := &cacheEntry{
		status:       resp.StatusCode,
		header:       resp.Header.Clone(),
		body:         resp.Body,
		truncated:    resp.Truncated,
		storedAt:     time.Now(),
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	c.mu.Lock()
	c.lru.Add(key, e)
	c.mu.Unlock()
}

// renew refreshes a revalidated entry's clock and merges any updated
// headers from the 304.
func (c *responseCache) renew(key string, hdr http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return
	}
	e.storedAt = time.Now()
	for k, v := range hdr {
		if k == "Content-Length" || k == "Content-Type" {
			continue
		}
		e.header[k] = v
	}
}

func (c *responseCache) drop(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// conditionalHeaders returns the validators a stale entry can be
// revalidated with, or false when it has none.
func (e *cacheEntry) conditionalHeaders() (http.Header, bool) {
	h := http.Header{}
	if e.etag != "" {
		h.Set("If-None-Match", e.etag)
	}
	if e.lastModified != "" {
		h.Set("If-Modified-Since", e.lastModified)
	}
	if len(h) == 0 {
		return nil, false
	}
	return h, true
}

func (e *cacheEntry) response(u string) *Response {
	return &Response{
		StatusCode: e.status,
		Header:     e.header.Clone(),
		Body:       e.body,
		Truncated:  e.truncated,
		URL:        u,
		FromCache:  true,
	}
}

func noStore(h http.Header) bool {
	for _, cc := range h.Values("Cache-Control") {
		for _, dir := range strings.Split(cc, ",") {
			if strings.EqualFold(strings.TrimSpace(dir), "no-store") {
				return true
			}
		}
	}
	return false
}
