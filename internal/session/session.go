// Package session turns an externally established browser login into
// request headers for the fetcher and verifies that the session is usable
// before any book data is requested.
package session

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuanying/epubfetch/internal/fetch"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Cookie is a single name/value pair scoped to a host.
type Cookie struct {
	Name  string
	Value string
	Host  string
}

// Session is the opaque credential set handed to the fetcher.
type Session struct {
	Cookies []Cookie
	Raw     string // raw Cookie header; wins over Cookies when set
}

// Header returns the request headers that carry the session.
func (s *Session) Header() http.Header {
	h := http.Header{}
	if v := s.CookieHeader(); v != "" {
		h.Set("Cookie", v)
	}
	return h
}

// CookieHeader renders the session as a single Cookie header value.
func (s *Session) CookieHeader() string {
	if s.Raw != "" {
		return s.Raw
	}
	parts := make([]string, 0, len(s.Cookies))
	seen := make(map[string]bool, len(s.Cookies))
	for _, c := range s.Cookies {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// FromHeader wraps a raw Cookie header value.
func FromHeader(raw string) *Session {
	return &Session{Raw: strings.TrimSpace(raw)}
}

// LoadCookies reads cookies for domain from path. A file starting with the
// SQLite magic header is treated as a Firefox cookies.sqlite database,
// anything else as a Netscape cookies.txt export.
func LoadCookies(ctx context.Context, path, domain string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: open cookie file: %w", err)
	}
	magic := make([]byte, 16)
	n, _ := io.ReadFull(f, magic)
	f.Close()

	var cookies []Cookie
	if bytes.HasPrefix(magic[:n], []byte("SQLite format 3")) {
		cookies, err = readFirefoxCookies(ctx, path, domain)
	} else {
		cookies, err = readNetscapeCookies(path, domain)
	}
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("session: no cookies for %q in %s: %w", domain, path, fetch.ErrSessionInvalid)
	}
	sort.SliceStable(cookies, func(i, j int) bool { return cookies[i].Name < cookies[j].Name })
	return &Session{Cookies: cookies}, nil
}

// readFirefoxCookies copies the database first: Firefox keeps it locked
// while running.
func readFirefoxCookies(ctx context.Context, path, domain string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read cookie database: %w", err)
	}
	dir, err := os.MkdirTemp("", "epubfetch-cookies-")
	if err != nil {
		return nil, fmt.Errorf("session: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	copyPath := filepath.Join(dir, "cookies.sqlite")
	if err := os.WriteFile(copyPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("session: copy cookie database: %w", err)
	}

	db, err := sql.Open("sqlite", copyPath)
	if err != nil {
		return nil, fmt.Errorf("session: open cookie database: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SELECT name, value, host FROM moz_cookies")
	if err != nil {
		return nil, fmt.Errorf("session: query cookies: %w", err)
	}
	defer rows.Close()

	var out []Cookie
	for rows.Next() {
		var c Cookie
		if err := rows.Scan(&c.Name, &c.Value, &c.Host); err != nil {
			return nil, fmt.Errorf("session: scan cookie: %w", err)
		}
		if matchDomain(c.Host, domain) {
			out = append(out, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate cookies: %w", err)
	}
	return out, nil
}

// readNetscapeCookies parses the tab separated cookies.txt format:
// domain, include-subdomains, path, secure, expiry, name, value.
func readNetscapeCookies(path, domain string) ([]Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: open cookie file: %w", err)
	}
	defer f.Close()

	var out []Cookie
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		c := Cookie{Host: fields[0], Name: fields[5], Value: fields[6]}
		if matchDomain(c.Host, domain) {
			out = append(out, c)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("session: read cookie file: %w", err)
	}
	return out, nil
}

func matchDomain(host, domain string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), ".")
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// Check requests the profile page and fails with fetch.ErrSessionInvalid when
// the vendor rejects the session, redirects to a login page, or (when email
// is non-empty) the page does not mention the account's email.
func Check(ctx context.Context, f fetch.Fetcher, profileURL, email string) error {
	resp, err := f.Get(ctx, profileURL, "profile")
	if err != nil {
		if errors.Is(err, fetch.ErrSessionInvalid) {
			return err
		}
		return fmt.Errorf("session check: %w", err)
	}
	if strings.Contains(strings.ToLower(resp.URL), "/login") {
		return fmt.Errorf("session check: redirected to %s: %w", resp.URL, fetch.ErrSessionInvalid)
	}
	if email != "" && !bytes.Contains(resp.Body, []byte(email)) {
		return fmt.Errorf("session check: %q not found in profile: %w", email, fetch.ErrSessionInvalid)
	}
	return nil
}
