package login

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramkansal/csvgrab/pkg/acquire"
)

const loginPage = `<!doctype html><html><body>
<form method="post" action="/session">
  <input type="hidden" name="csrf_token" value="tok-42">
  <input type="email" name="email">
  <input type="password" name="password">
  <button type="submit">Sign in</button>
</form>
</body></html>`

type portal struct {
	srv       *httptest.Server
	requests  []string
	posted    map[string]string
	origin    string
	referer   string
	preCookie string
}

// newPortal serves a login page at /account/login. /login and /signin answer
// 404. A successful POST to /session sets the auth cookie and redirects.
func newPortal(t *testing.T, loginStatus int) *portal {
	t.Helper()
	p := &portal{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.requests = append(p.requests, r.URL.Path)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/account/login", func(w http.ResponseWriter, r *http.Request) {
		p.requests = append(p.requests, r.URL.Path)
		http.SetCookie(w, &http.Cookie{Name: "_pre", Value: "1", Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(loginPage))
	})
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		p.posted = map[string]string{}
		for k := range r.PostForm {
			p.posted[k] = r.PostForm.Get(k)
		}
		p.origin = r.Header.Get("Origin")
		p.referer = r.Header.Get("Referer")
		if c, err := r.Cookie("_pre"); err == nil {
			p.preCookie = c.Value
		}
		if loginStatus >= 400 {
			w.WriteHeader(loginStatus)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>welcome</html>"))
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func TestResolveDiscoversLoginAfterTwoMisses(t *testing.T) {
	p := newPortal(t, 0)
	r := NewResolver(Config{UserAgent: "csvgrab/test", Timeout: 5 * time.Second})

	cookies, err := r.Resolve(context.Background(), p.srv.URL, "me@example.com", "s3cret")
	require.NoError(t, err)

	assert.Equal(t, []string{"/login", "/signin", "/account/login"}, p.requests)
	assert.Equal(t, map[string]string{
		"csrf_token": "tok-42",
		"email":      "me@example.com",
		"password":   "s3cret",
	}, p.posted)
	assert.Equal(t, p.srv.URL, p.origin)
	assert.Equal(t, p.srv.URL+"/account/login", p.referer)
	assert.Equal(t, "1", p.preCookie, "cookies from the login page are carried into the POST")

	names := map[string]string{}
	for _, c := range cookies {
		names[c.Name] = c.Value
		assert.Equal(t, "127.0.0.1", c.Domain)
	}
	assert.Equal(t, "ok", names["auth"])
}

func TestResolveLoginRejected(t *testing.T) {
	p := newPortal(t, http.StatusUnauthorized)
	r := NewResolver(Config{Timeout: 5 * time.Second})

	_, err := r.Resolve(context.Background(), p.srv.URL, "me@example.com", "wrong")
	var rejected *acquire.LoginRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnauthorized, rejected.Status)
}

func TestLocateLoginPageExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := NewResolver(Config{Timeout: 5 * time.Second})
	_, _, err := r.LocateLoginPage(context.Background(), srv.URL+"/")

	var failed *acquire.LoginDiscoveryFailed
	require.ErrorAs(t, err, &failed)
	require.Len(t, failed.Tried, len(DefaultCandidatePaths))
	assert.Equal(t, srv.URL+"/login", failed.Tried[0])
	assert.Contains(t, err.Error(), "/auth/login")
}

func TestLocateLoginPageSkipsNonMarkup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"use /signin"}`))
	})
	mux.HandleFunc("/signin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(loginPage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewResolver(Config{Timeout: 5 * time.Second})
	pageURL, body, err := r.LocateLoginPage(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/signin", pageURL)
	assert.True(t, strings.Contains(string(body), "csrf_token"))
}

func TestCandidatePathsOverrideFirst(t *testing.T) {
	r := NewResolver(Config{LoginPath: "portal/enter"})
	paths := r.CandidatePaths()
	assert.Equal(t, "/portal/enter", paths[0])
	assert.Len(t, paths, len(DefaultCandidatePaths)+1)

	dup := NewResolver(Config{LoginPath: "/signin"})
	assert.Equal(t, "/signin", dup.CandidatePaths()[0])
	assert.Len(t, dup.CandidatePaths(), len(DefaultCandidatePaths))
}

func TestLocateLoginPageAbsoluteOverride(t *testing.T) {
	p := newPortal(t, http.StatusOK)
	r := NewResolver(Config{Timeout: 5 * time.Second, LoginPath: p.srv.URL + "/account/login"})

	assert.Equal(t, p.srv.URL+"/account/login", r.CandidatePaths()[0])

	pageURL, _, err := r.LocateLoginPage(context.Background(), "https://portal.invalid")
	require.NoError(t, err)
	assert.Equal(t, p.srv.URL+"/account/login", pageURL)
	assert.Equal(t, []string{"/account/login"}, p.requests)
}
