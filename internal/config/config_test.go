package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"APIBase", cfg.APIBase, "https://api.oreilly.com"},
		{"ProfileURL", cfg.ProfileURL, "https://learning.oreilly.com/profile/"},
		{"CookieDomain", cfg.CookieDomain, "oreilly.com"},
		{"Output", cfg.Output, "eBooks"},
		{"Concurrency", cfg.Concurrency, 16},
		{"RateLimit", cfg.RateLimit, 0.0},
		{"Timeout", cfg.Timeout, 60 * time.Second},
		{"Woff2", cfg.Woff2, false},
		{"Woff2Tool", cfg.Woff2Tool, "woff2_compress"},
		{"MaxImageWidth", cfg.MaxImageWidth, 0},
		{"JPEGQuality", cfg.JPEGQuality, 85},
		{"SkipCheck", cfg.SkipCheck, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		field  func(Config) any
		want   any
	}{
		{
			name:   "concurrency",
			envKey: "EPUBFETCH_CONCURRENCY",
			envVal: "4",
			field:  func(c Config) any { return c.Concurrency },
			want:   4,
		},
		{
			name:   "output",
			envKey: "EPUBFETCH_OUTPUT",
			envVal: "/tmp/books",
			field:  func(c Config) any { return c.Output },
			want:   "/tmp/books",
		},
		{
			name:   "woff2",
			envKey: "EPUBFETCH_WOFF2",
			envVal: "true",
			field:  func(c Config) any { return c.Woff2 },
			want:   true,
		},
		{
			name:   "timeout",
			envKey: "EPUBFETCH_TIMEOUT",
			envVal: "15s",
			field:  func(c Config) any { return c.Timeout },
			want:   15 * time.Second,
		},
		{
			name:   "rate_limit",
			envKey: "EPUBFETCH_RATE_LIMIT",
			envVal: "2.5",
			field:  func(c Config) any { return c.RateLimit },
			want:   2.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envKey, tt.envVal)
			v := viper.New()
			v.SetEnvPrefix("EPUBFETCH")
			v.AutomaticEnv()

			cfg, err := Load(v)
			if err != nil {
				t.Fatalf("Load() returned unexpected error: %v", err)
			}
			if got := tt.field(cfg); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".epubfetch.yaml")
	content := `cookie_file: /home/me/cookies.sqlite
concurrency: 8
max_image_width: 1200
css_map:
  - "epub.css=/home/me/epub.css"
  - "https://learning.oreilly.com/static/Book.CSS?v=2=/home/me/book.css"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.CookieFile != "/home/me/cookies.sqlite" {
		t.Errorf("CookieFile = %q", cfg.CookieFile)
	}
	if cfg.Concurrency != 8 || cfg.MaxImageWidth != 1200 {
		t.Errorf("Concurrency, MaxImageWidth = %d, %d, want 8, 1200", cfg.Concurrency, cfg.MaxImageWidth)
	}

	overrides, err := cfg.CSSOverrides()
	if err != nil {
		t.Fatalf("CSSOverrides() error = %v", err)
	}
	want := map[string]string{
		"epub.css": "/home/me/epub.css",
		"https://learning.oreilly.com/static/Book.CSS?v=2": "/home/me/book.css",
	}
	if len(overrides) != len(want) {
		t.Fatalf("CSSOverrides() = %v, want %v", overrides, want)
	}
	for k, v := range want {
		if overrides[k] != v {
			t.Errorf("CSSOverrides()[%q] = %q, want %q", k, overrides[k], v)
		}
	}
}

func TestCSSOverridesInvalid(t *testing.T) {
	for _, entry := range []string{"epub.css", "=file.css", "epub.css= "} {
		cfg := Config{CSSMap: []string{entry}}
		if _, err := cfg.CSSOverrides(); err == nil {
			t.Errorf("CSSOverrides(%q) returned no error", entry)
		}
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	cfg.Cookie = "session=abc"
	return cfg
}

func TestValidate(t *testing.T) {
	cssFile := filepath.Join(t.TempDir(), "epub.css")
	if err := os.WriteFile(cssFile, []byte("body{}"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults with a cookie", modify: func(c *Config) {}},
		{name: "existing css override", modify: func(c *Config) { c.CSSMap = []string{"epub.css=" + cssFile} }},
		{name: "zero concurrency", modify: func(c *Config) { c.Concurrency = 0 }, wantErr: "concurrency must be at least 1"},
		{name: "jpeg quality too high", modify: func(c *Config) { c.JPEGQuality = 101 }, wantErr: "jpeg_quality must be between 1 and 100"},
		{name: "negative width", modify: func(c *Config) { c.MaxImageWidth = -1 }, wantErr: "max_image_width must not be negative"},
		{name: "negative rate", modify: func(c *Config) { c.RateLimit = -1 }, wantErr: "rate_limit must not be negative"},
		{name: "no session", modify: func(c *Config) { c.Cookie = "" }, wantErr: "either cookie or cookie_file must be set"},
		{
			name: "missing woff2 tool",
			modify: func(c *Config) {
				c.Woff2 = true
				c.Woff2Tool = "definitely-not-installed-woff2-tool"
			},
			wantErr: `"definitely-not-installed-woff2-tool" was not found`,
		},
		{
			name:    "missing css override",
			modify:  func(c *Config) { c.CSSMap = []string{"epub.css=" + filepath.Join(t.TempDir(), "none.css")} },
			wantErr: `css_map entry "epub.css"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWoff2ToolFound(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script tool")
	}
	dir := t.TempDir()
	tool := filepath.Join(dir, "woff2_compress")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("PATH", dir)

	cfg := validConfig(t)
	cfg.Woff2 = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
