package session

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/yuanying/epubfetch/internal/fetch"
)

func TestLoadCookies_Netscape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")
	content := "# Netscape HTTP Cookie File\n" +
		".oreilly.com\tTRUE\t/\tTRUE\t0\torm-jwt\tjwt-value\n" +
		"#HttpOnly_learning.oreilly.com\tFALSE\t/\tTRUE\t0\tgroot_sessionid\tsid\n" +
		".example.com\tTRUE\t/\tFALSE\t0\tother\tnope\n" +
		"broken line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := LoadCookies(context.Background(), path, "oreilly.com")
	if err != nil {
		t.Fatalf("LoadCookies() error = %v", err)
	}
	if len(s.Cookies) != 2 {
		t.Fatalf("len(Cookies) = %d, want 2: %+v", len(s.Cookies), s.Cookies)
	}
	want := "groot_sessionid=sid; orm-jwt=jwt-value"
	if got := s.CookieHeader(); got != want {
		t.Fatalf("CookieHeader() = %q, want %q", got, want)
	}
}

func TestLoadCookies_FirefoxDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.sqlite")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stmts := []string{
		`CREATE TABLE moz_cookies (id INTEGER PRIMARY KEY, name TEXT, value TEXT, host TEXT)`,
		`INSERT INTO moz_cookies (name, value, host) VALUES ('orm-jwt', 'abc', '.oreilly.com')`,
		`INSERT INTO moz_cookies (name, value, host) VALUES ('sid', 'def', 'learning.oreilly.com')`,
		`INSERT INTO moz_cookies (name, value, host) VALUES ('x', 'y', 'notoreilly.com')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	db.Close()

	s, err := LoadCookies(context.Background(), path, "oreilly.com")
	if err != nil {
		t.Fatalf("LoadCookies() error = %v", err)
	}
	if got, want := s.CookieHeader(), "orm-jwt=abc; sid=def"; got != want {
		t.Fatalf("CookieHeader() = %q, want %q", got, want)
	}
}

func TestLoadCookies_NoMatchingCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	os.WriteFile(path, []byte(".example.com\tTRUE\t/\tFALSE\t0\ta\tb\n"), 0o600)

	_, err := LoadCookies(context.Background(), path, "oreilly.com")
	if !errors.Is(err, fetch.ErrSessionInvalid) {
		t.Fatalf("error = %v, want ErrSessionInvalid", err)
	}
}

func TestFromHeader(t *testing.T) {
	s := FromHeader("  a=b; c=d ")
	if got := s.Header().Get("Cookie"); got != "a=b; c=d" {
		t.Fatalf("Cookie header = %q", got)
	}
}

type fakeFetcher struct {
	resp *fetch.Response
	err  error
}

func (f *fakeFetcher) Get(ctx context.Context, url, kind string) (*fetch.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.resp
	if r.URL == "" {
		r.URL = url
	}
	return &r, nil
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name        string
		fetcher     *fakeFetcher
		email       string
		wantInvalid bool
		wantErr     bool
	}{
		{
			name:    "ok without email",
			fetcher: &fakeFetcher{resp: &fetch.Response{Body: []byte("<html>profile</html>")}},
		},
		{
			name:    "ok with email",
			fetcher: &fakeFetcher{resp: &fetch.Response{Body: []byte("signed in as reader@example.com")}},
			email:   "reader@example.com",
		},
		{
			name:        "email missing",
			fetcher:     &fakeFetcher{resp: &fetch.Response{Body: []byte("welcome")}},
			email:       "reader@example.com",
			wantInvalid: true,
			wantErr:     true,
		},
		{
			name:        "redirected to login",
			fetcher:     &fakeFetcher{resp: &fetch.Response{URL: "https://www.oreilly.com/member/login/"}},
			wantInvalid: true,
			wantErr:     true,
		},
		{
			name:        "unauthorized",
			fetcher:     &fakeFetcher{err: &fetch.FetchError{URL: "u", StatusCode: 401, Cause: fetch.ErrSessionInvalid}},
			wantInvalid: true,
			wantErr:     true,
		},
		{
			name:    "server error",
			fetcher: &fakeFetcher{err: &fetch.FetchError{URL: "u", StatusCode: 500, Cause: errors.New("boom")}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(context.Background(), tt.fetcher, "https://learning.oreilly.com/profile/", tt.email)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, fetch.ErrSessionInvalid) != tt.wantInvalid {
				t.Fatalf("errors.Is(ErrSessionInvalid) = %v, want %v (err=%v)", !tt.wantInvalid, tt.wantInvalid, err)
			}
		})
	}
}
