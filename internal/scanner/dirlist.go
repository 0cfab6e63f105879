package scanner

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/CosmoTheDev/webscan-engine/internal/httpclient"
	"github.com/CosmoTheDev/webscan-engine/models"
)

// dirlistMaxProbes bounds directory probes per scan.
const dirlistMaxProbes = 20

func init() {
	Register("dirlist", func() Scanner { return &dirlistScanner{} })
}

// dirlistScanner probes directories for autoindex pages.
type dirlistScanner struct{}

func (s *dirlistScanner) Name() string { return "dirlist" }

func (s *dirlistScanner) Metadata() Metadata {
	return Metadata{
		Name:        "dirlist",
		Stage:       StageProbing,
		Category:    CategoryExposure,
		Intensity:   IntensityMedium,
		Description: "Probes common and discovered directories for enabled listings",
	}
}

// commonDirs are paths worth probing even when the crawl never saw them.
var commonDirs = []string{
	"/backup/", "/backups/", "/uploads/", "/files/", "/static/",
	"/assets/", "/images/", "/logs/", "/old/", "/tmp/",
}

// listingMarkers identify autoindex output across common servers.
var listingMarkers = []string{
	"Index of /",              // Apache, nginx autoindex
	"Directory listing for /", // Python http.server
	"[To Parent Directory]",   // IIS
}

func (s *dirlistScanner) Run(ctx context.Context, in *Input) (*Result, error) {
	res := &Result{}

	for _, dir := range probeDirs(in.Inventory) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		target := in.Target.Origin + dir
		in.URLVisited(target)

		resp, err := in.Client.Get(ctx, target)
		if err != nil {
			if kind := httpclient.KindOf(err); kind == httpclient.KindCancelled || kind == httpclient.KindTimeout {
				return res, err
			}
			continue
		}
		if resp.StatusCode != 200 {
			continue
		}
		marker := matchListing(resp.Body)
		if marker == "" {
			continue
		}

		res.addFinding(in.Emit(models.Finding{
			Type:        "directory_listing",
			Title:       "Directory listing is enabled at " + dir,
			Severity:    models.SeverityMedium,
			CWE:         "CWE-548",
			Category:    "A05:2021",
			Location:    target,
			Description: "The server renders an index of the directory's contents, disclosing file names that were never linked publicly, often including backups and temporary files.",
			Remediation: "Disable automatic directory indexes (Options -Indexes, autoindex off) or add an index document.",
			Evidence:    "matched: " + marker,
			ScannerName: s.Name(),
		}))
	}

	return res, nil
}

// probeDirs merges the fixed probe list with directories the crawl walked
// through, capped at dirlistMaxProbes.
func probeDirs(inv *Inventory) []string {
	dirs := make(map[string]bool, len(commonDirs))
	for _, d := range commonDirs {
		dirs[d] = true
	}

	if inv != nil {
		for _, page := range inv.Pages {
			u, err := url.Parse(page.URL)
			if err != nil {
				continue
			}
			for _, parent := range parentDirs(u.Path) {
				dirs[parent] = true
			}
		}
	}

	out := make([]string, 0, len(dirs))
	for d := range dirs {
		if d == "/" {
			continue
		}
		out = append(out, d)
	}
	sort.Strings(out)
	if len(out) > dirlistMaxProbes {
		out = out[:dirlistMaxProbes]
	}
	return out
}

// parentDirs returns every ancestor directory of a path, deepest first.
func parentDirs(path string) []string {
	var out []string
	for {
		i := strings.LastIndexByte(strings.TrimSuffix(path, "/"), '/')
		if i <= 0 {
			break
		}
		path = path[:i+1]
		out = append(out, path)
		path = strings.TrimSuffix(path, "/")
	}
	return out
}

func matchListing(body []byte) string {
	text := string(body)
	for _, marker := range listingMarkers {
		if strings.Contains(text, marker) {
			return marker
		}
	}
	return ""
}
