package scanner

import (
	"bytes"
	"context"
	"encoding/xml"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
)

const (
	crawlMaxPages = 40
	crawlMaxDepth = 2
)

func init() {
	Register("crawl", func() Scanner { return &crawlScanner{} })
}

// crawlScanner walks the target origin breadth-first and builds the
// inventory the later stages feed on: pages, forms, script references, and
// query parameters. It never leaves the target host.
type crawlScanner struct{}

func (s *crawlScanner) Name() string { return "crawl" }

func (s *crawlScanner) Metadata() Metadata {
	return Metadata{
		Name:        "crawl",
		Stage:       StageRecon,
		Category:    CategoryRecon,
		Intensity:   IntensityMedium,
		Description: "Discovers pages, forms, scripts, and parameters by crawling the target origin",
		LongRunning: true,
	}
}

type crawlItem struct {
	url   string
	depth int
}

func (s *crawlScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	inv := &Inventory{Params: make(map[string][]string)}
	res := &Result{Inventory: inv}

	base, err := url.Parse(in.Target.Origin + "/")
	if err != nil {
		return res, err
	}

	queue := []crawlItem{{url: base.String(), depth: 0}}
	queue = append(queue, s.seedWellKnown(ctx, in, base)...)
	seen := make(map[string]bool)

	for len(queue) > 0 && len(inv.Pages) < crawlMaxPages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := queue[0]
		queue = queue[1:]
		if seen[item.url] {
			continue
		}
		seen[item.url] = true

		in.URLVisited(item.url)
		resp, err := in.Client.Get(ctx, item.url)
		if err != nil {
			if kind := httpclient.KindOf(err); kind == httpclient.KindCancelled || kind == httpclient.KindTimeout {
				return res, err
			}
			continue
		}

		page := Page{
			URL:         item.url,
			Status:      resp.StatusCode,
			ContentType: mediaType(resp.Header.Get("Content-Type")),
		}
		if u, err := url.Parse(item.url); err == nil && u.RawQuery != "" {
			inv.Params[item.url] = paramNames(u)
		}

		if page.ContentType == "text/html" && resp.StatusCode < 400 {
			links, forms, scripts, title := parseHTML(base, item.url, resp.Body)
			page.Title = title
			inv.Forms = append(inv.Forms, forms...)
			inv.Scripts = append(inv.Scripts, scripts...)
			if item.depth < crawlMaxDepth {
				for _, link := range links {
					if !seen[link] {
						queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
					}
				}
			}
		}
		inv.Pages = append(inv.Pages, page)
	}

	return res, nil
}

// seedWellKnown pulls extra starting points from robots.txt and
// sitemap.xml. Disallowed paths are discovery hints, not prohibitions, for
// a scanner the operator pointed at their own site.
func (s *crawlScanner) seedWellKnown(ctx context.Context, in *Input, base *url.URL) []crawlItem {
	var seeds []crawlItem

	if resp, err := in.Client.Get(ctx, base.String()+"robots.txt"); err == nil && resp.StatusCode == 200 {
		for _, line := range strings.Split(string(resp.Body), "\n") {
			line = strings.TrimSpace(line)
			lower := strings.ToLower(line)
			var path string
			if strings.HasPrefix(lower, "disallow:") {
				path = strings.TrimSpace(line[len("disallow:"):])
			} else if strings.HasPrefix(lower, "allow:") {
				path = strings.TrimSpace(line[len("allow:"):])
			}
			if path == "" || path == "/" || strings.ContainsAny(path, "*$") {
				continue
			}
			if u := resolveSameHost(base, path); u != "" {
				seeds = append(seeds, crawlItem{url: u, depth: 1})
			}
		}
	}

	if resp, err := in.Client.Get(ctx, base.String()+"sitemap.xml"); err == nil && resp.StatusCode == 200 {
		var set struct {
			URLs []struct {
				Loc string `xml:"loc"`
			} `xml:"url"`
		}
		if xml.Unmarshal(resp.Body, &set) == nil {
			for _, entry := range set.URLs {
				if u := resolveSameHost(base, strings.TrimSpace(entry.Loc)); u != "" {
					seeds = append(seeds, crawlItem{url: u, depth: 1})
				}
			}
		}
	}

	return seeds
}

// parseHTML extracts same-host links, forms, external scripts, and the
// page title from one document.
func parseHTML(base *url.URL, pageURL string, body []byte) (links []string, forms []Form, scripts []ScriptRef, title string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, nil, ""
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if href := attr(n, "href"); href != "" {
					if u := resolveSameHost(base, href); u != "" {
						links = append(links, u)
					}
				}
			case "form":
				f := Form{
					Page:   pageURL,
					Action: attr(n, "action"),
					Method: strings.ToUpper(attr(n, "method")),
				}
				if f.Method == "" {
					f.Method = "GET"
				}
				if f.Action == "" {
					f.Action = pageURL
				} else if resolved := resolveSameHost(base, f.Action); resolved != "" {
					f.Action = resolved
				}
				collectInputs(n, &f)
				forms = append(forms, f)
			case "script":
				if src := attr(n, "src"); src != "" {
					ref := ScriptRef{URL: src, Page: pageURL}
					ref.Name, ref.Version = libFromScriptURL(src)
					scripts = append(scripts, ref)
				}
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, forms, scripts, title
}

func collectInputs(form *html.Node, f *Form) {
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input", "select", "textarea":
				if name := attr(n, "name"); name != "" {
					f.Inputs = append(f.Inputs, name)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// resolveSameHost resolves ref against base and returns the absolute URL
// only when it stays on the same host with an http(s) scheme. The fragment
// is dropped so identical pages dedup.
func resolveSameHost(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	if !strings.EqualFold(abs.Hostname(), base.Hostname()) {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func paramNames(u *url.URL) []string {
	q := u.Query()
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mediaType(contentType string) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Conventional version-bearing script URLs come in two shapes: versioned
// filenames (jquery-3.4.1.min.js) and CDN package paths (vue@2.6.10/dist/vue.js).
var (
	libFilePattern = regexp.MustCompile(`(?i)([a-z][a-z0-9._-]*?)[-.]v?(\d+\.\d+(?:\.\d+)?)[^/]*\.js`)
	libPathPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9._-]+)@v?(\d+\.\d+(?:\.\d+)?)`)
)

func libFromScriptURL(src string) (name, version string) {
	m := libFilePattern.FindStringSubmatch(src)
	if m == nil {
		m = libPathPattern.FindStringSubmatch(src)
	}
	if m == nil {
		return "", ""
	}
	name = strings.ToLower(strings.TrimRight(m[1], "-._"))
	name = strings.TrimSuffix(name, ".min")
	return name, m[2]
}
