package scanner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestCrawlBuildsInventory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Shop</title>
			<script src="/static/jquery-1.8.3.min.js"></script></head>
			<body>
			<a href="/products?category=books&sort=price">Books</a>
			<a href="https://elsewhere.example/away">External</a>
			<a href="/about#team">About</a>
			<form action="/search" method="get">
				<input name="q"><select name="lang"></select>
			</form>
			</body></html>`)
	})
	mux.HandleFunc("/products", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>catalog</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>about</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	in := newTestInput(t, srv)
	var visited []string
	in.OnURL = func(u string) { visited = append(visited, u) }

	res, err := (&crawlScanner{}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	inv := res.Inventory
	if inv == nil {
		t.Fatal("crawl must return an inventory")
	}

	byURL := make(map[string]Page)
	for _, p := range inv.Pages {
		byURL[p.URL] = p
	}
	root, ok := byURL[srv.URL+"/"]
	if !ok {
		t.Fatalf("root page missing from inventory: %+v", inv.Pages)
	}
	if root.Title != "Shop" {
		t.Fatalf("root title = %q, want Shop", root.Title)
	}
	if root.ContentType != "text/html" {
		t.Fatalf("root content type = %q", root.ContentType)
	}

	productsURL := srv.URL + "/products?category=books&sort=price"
	if _, ok := byURL[productsURL]; !ok {
		t.Fatalf("linked page with query missing: %+v", inv.Pages)
	}
	if got, want := inv.Params[productsURL], []string{"category", "sort"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("params = %v, want %v", got, want)
	}

	if _, ok := byURL[srv.URL+"/about"]; !ok {
		t.Fatal("fragment link should crawl the bare page")
	}
	for _, p := range inv.Pages {
		if p.URL == "https://elsewhere.example/away" {
			t.Fatal("crawler must not leave the target host")
		}
	}

	if len(inv.Forms) != 1 {
		t.Fatalf("forms = %+v, want one", inv.Forms)
	}
	form := inv.Forms[0]
	if form.Action != srv.URL+"/search" || form.Method != "GET" {
		t.Fatalf("form = %+v", form)
	}
	if !reflect.DeepEqual(form.Inputs, []string{"q", "lang"}) {
		t.Fatalf("form inputs = %v", form.Inputs)
	}

	if len(inv.Scripts) != 1 {
		t.Fatalf("scripts = %+v, want one", inv.Scripts)
	}
	script := inv.Scripts[0]
	if script.Name != "jquery" || script.Version != "1.8.3" {
		t.Fatalf("script parsed as %q %q", script.Name, script.Version)
	}

	if len(visited) == 0 {
		t.Fatal("crawler should report visited URLs")
	}
}

func TestCrawlSeedsFromRobotsAndSitemap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /admin\nDisallow: /\nDisallow: /tmp/*\nAllow: /public\n")
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0"?>
			<urlset><url><loc>%s/archive</loc></url>
			<url><loc>https://elsewhere.example/x</loc></url></urlset>`, "http://"+r.Host)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>page</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	in := newTestInput(t, srv)
	res, err := (&crawlScanner{}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}

	urls := make(map[string]bool)
	for _, p := range res.Inventory.Pages {
		urls[p.URL] = true
	}
	if !urls[srv.URL+"/admin"] {
		t.Fatalf("robots Disallow path not seeded: %v", urls)
	}
	if !urls[srv.URL+"/public"] {
		t.Fatalf("robots Allow path not seeded: %v", urls)
	}
	if !urls[srv.URL+"/archive"] {
		t.Fatalf("sitemap entry not seeded: %v", urls)
	}
	for u := range urls {
		if u == "https://elsewhere.example/x" {
			t.Fatal("sitemap must not seed foreign hosts")
		}
	}
}

func TestCrawlRespectsPageCap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>")
		for i := 0; i < crawlMaxPages*2; i++ {
			fmt.Fprintf(w, `<a href="/p/%d">p</a>`, i)
		}
		fmt.Fprint(w, "</body></html>")
	})
	mux.HandleFunc("/p/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>leaf</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := (&crawlScanner{}).Run(context.Background(), newTestInput(t, srv))
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if got := len(res.Inventory.Pages); got > crawlMaxPages {
		t.Fatalf("crawled %d pages, cap is %d", got, crawlMaxPages)
	}
}

func TestCrawlReturnsPartialInventoryOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/next">next</a></body></html>`)
	})
	mux.HandleFunc("/next", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>next</body></html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := (&crawlScanner{}).Run(ctx, newTestInput(t, srv))
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if res == nil || res.Inventory == nil {
		t.Fatal("partial inventory must survive cancellation")
	}
	if len(res.Inventory.Pages) == 0 {
		t.Fatalf("pages crawled before cancel should be kept: %+v", res.Inventory)
	}
}

func TestLibFromScriptURL(t *testing.T) {
	cases := []struct {
		src     string
		name    string
		version string
	}{
		{"/static/jquery-1.8.3.min.js", "jquery", "1.8.3"},
		{"https://cdn.example/vue@2.6.10/dist/vue.js", "vue", "2.6.10"},
		{"/js/lodash.4.17.21.js", "lodash", "4.17.21"},
		{"/js/angular-v1.2.0.js", "angular", "1.2.0"},
		{"/js/app.js", "", ""},
		{"/js/main-bundle.js", "", ""},
	}
	for _, tc := range cases {
		name, version := libFromScriptURL(tc.src)
		if name != tc.name || version != tc.version {
			t.Errorf("libFromScriptURL(%q) = %q %q, want %q %q", tc.src, name, version, tc.name, tc.version)
		}
	}
}
