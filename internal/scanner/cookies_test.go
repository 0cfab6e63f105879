package scanner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CosmoTheDev/webscan-engine/models"
)

func TestCookiesFlagsMissingAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session_id=abc; Path=/")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	in := newTestInput(t, srv)
	in.Target.Scheme = "https"

	res, err := (&cookiesScanner{}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("cookies: %v", err)
	}

	secure := findByType(t, res.Findings, "cookie_missing_secure")
	if secure.Severity != models.SeverityMedium {
		t.Fatalf("session cookie missing Secure should be medium, got %s", secure.Severity)
	}
	if secure.CWE != "CWE-614" {
		t.Fatalf("secure CWE = %s", secure.CWE)
	}
	httponly := findByType(t, res.Findings, "cookie_missing_httponly")
	if httponly.CWE != "CWE-1004" {
		t.Fatalf("httponly CWE = %s", httponly.CWE)
	}
	samesite := findByType(t, res.Findings, "cookie_missing_samesite")
	if samesite.CWE != "CWE-1275" {
		t.Fatalf("samesite CWE = %s", samesite.CWE)
	}
}

func TestCookiesQuietOnHardenedCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "session_id=abc; Path=/; Secure; HttpOnly; SameSite=Lax")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	in := newTestInput(t, srv)
	in.Target.Scheme = "https"

	res, err := (&cookiesScanner{}).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("cookies: %v", err)
	}
	if len(res.Findings) != 0 {
		t.Fatalf("expected no findings, got %v", findingTypes(res.Findings))
	}
}

func TestCookiesSecureNotRequiredOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "prefs=dark; Path=/; HttpOnly; SameSite=Lax")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	res, err := (&cookiesScanner{}).Run(context.Background(), newTestInput(t, srv))
	if err != nil {
		t.Fatalf("cookies: %v", err)
	}
	if hasType(res.Findings, "cookie_missing_secure") {
		t.Fatal("Secure must not be required for plain-http targets")
	}
}

func TestCookiesFlagsSameSiteNoneWithoutSecure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "tracker=1; Path=/; SameSite=None; HttpOnly")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	res, err := (&cookiesScanner{}).Run(context.Background(), newTestInput(t, srv))
	if err != nil {
		t.Fatalf("cookies: %v", err)
	}
	findByType(t, res.Findings, "cookie_samesite_none_insecure")
	if hasType(res.Findings, "cookie_missing_samesite") {
		t.Fatal("explicit SameSite=None must not count as missing")
	}
}

func TestCookiesNonSessionCookieIsLowSeverity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "theme=dark; Path=/; SameSite=Lax")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	res, err := (&cookiesScanner{}).Run(context.Background(), newTestInput(t, srv))
	if err != nil {
		t.Fatalf("cookies: %v", err)
	}
	f := findByType(t, res.Findings, "cookie_missing_httponly")
	if f.Severity != models.SeverityLow {
		t.Fatalf("non-session cookie severity = %s, want low", f.Severity)
	}
}
