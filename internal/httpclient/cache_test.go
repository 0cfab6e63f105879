package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func testResponse(status int, hdr http.Header, body string) *Response {
	if hdr == nil {
		hdr = http.Header{}
	}
	return &Response{StatusCode: status, Header: hdr, Body: []byte(body), URL: "http://t.test/"}
}

func TestCacheStoresCacheableStatuses(t *testing.T) {
	c := newResponseCache(16, time.Minute)
	for _, status := range []int{200, 203, 301, 404, 410} {
		key := cacheKey("http://t.test/s")
		c.store(key, testResponse(status, nil, "body"))
		e, fresh, ok := c.lookup(key)
		if !ok || !fresh {
			t.Fatalf("status %d: ok=%v fresh=%v, want cached and fresh", status, ok, fresh)
		}
		if e.status != status {
			t.Fatalf("stored status %d, want %d", e.status, status)
		}
		c.drop(key)
	}
}

func TestCacheSkipsNonCacheableStatus(t *testing.T) {
	c := newResponseCache(16, time.Minute)
	for _, status := range []int{201, 302, 400, 403, 500, 503} {
		key := cacheKey("http://t.test/n")
		c.store(key, testResponse(status, nil, "body"))
		if _, _, ok := c.lookup(key); ok {
			t.Fatalf("status %d should not be cached", status)
		}
	}
}

func TestCacheHonorsNoStore(t *testing.T) {
	c := newResponseCache(16, time.Minute)
	hdr := http.Header{}
	hdr.Set("Cache-Control", "private, no-store")
	c.store("k", testResponse(200, hdr, "secret"))
	if _, _, ok := c.lookup("k"); ok {
		t.Fatal("no-store response was cached")
	}
}

func TestCacheFreshnessExpires(t *testing.T) {
	c := newResponseCache(16, 30*time.Millisecond)
	c.store("k", testResponse(200, nil, "body"))
	if _, fresh, ok := c.lookup("k"); !ok || !fresh {
		t.Fatal("entry should be fresh right after store")
	}
	time.Sleep(50 * time.Millisecond)
	e, fresh, ok := c.lookup("k")
	if !ok {
		t.Fatal("stale entry should remain for revalidation")
	}
	if fresh {
		t.Fatal("entry should be stale after the TTL")
	}
	if e == nil || string(e.body) != "body" {
		t.Fatal("stale entry lost its body")
	}
}

func TestCacheConditionalHeaders(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("ETag", `"abc123"`)
	hdr.Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
	c := newResponseCache(16, time.Minute)
	c.store("k", testResponse(200, hdr, "body"))

	e, _, _ := c.lookup("k")
	cond, ok := e.conditionalHeaders()
	if !ok {
		t.Fatal("validators should be available")
	}
	if cond.Get("If-None-Match") != `"abc123"` {
		t.Errorf("If-None-Match = %q", cond.Get("If-None-Match"))
	}
	if cond.Get("If-Modified-Since") == "" {
		t.Error("If-Modified-Since missing")
	}

	plain := &cacheEntry{header: http.Header{}}
	if _, ok := plain.conditionalHeaders(); ok {
		t.Error("entry without validators should report none")
	}
}

func TestCacheRenewRefreshesClock(t *testing.T) {
	c := newResponseCache(16, 40*time.Millisecond)
	hdr := http.Header{}
	hdr.Set("ETag", `"v1"`)
	c.store("k", testResponse(200, hdr, "body"))

	time.Sleep(50 * time.Millisecond)
	if _, fresh, _ := c.lookup("k"); fresh {
		t.Fatal("entry should have gone stale")
	}
	c.renew("k", http.Header{})
	if _, fresh, _ := c.lookup("k"); !fresh {
		t.Fatal("renew should restore freshness")
	}
}
