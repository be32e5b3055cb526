package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/yuanying/epubfetch/internal/epub"
)

func readCLIOptionsForTest(t *testing.T, flagArgs ...string) (cliOptions, error) {
	t.Helper()
	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.ParseFlags(flagArgs); err != nil {
		return cliOptions{}, err
	}
	return readCLIOptions(cmd, v, []string{"9781492077206"})
}

func TestReadCLIOptions_Defaults(t *testing.T) {
	opts, err := readCLIOptionsForTest(t, "--cookie", "orm-jwt=abc")
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}

	if opts.BookID != "9781492077206" {
		t.Fatalf("BookID = %q, want %q", opts.BookID, "9781492077206")
	}
	if opts.Config.Output != "eBooks" {
		t.Fatalf("Output = %q, want %q", opts.Config.Output, "eBooks")
	}
	if opts.Config.Concurrency != 16 {
		t.Fatalf("Concurrency = %d, want %d", opts.Config.Concurrency, 16)
	}
	if opts.Config.Timeout != 60*time.Second {
		t.Fatalf("Timeout = %v, want %v", opts.Config.Timeout, 60*time.Second)
	}
	if opts.Config.JPEGQuality != 85 {
		t.Fatalf("JPEGQuality = %d, want %d", opts.Config.JPEGQuality, 85)
	}
	if opts.Logger == nil {
		t.Fatal("Logger is nil, want non-nil")
	}
	if !opts.Logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("Logger should be enabled at INFO level by default")
	}
	if opts.Logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("Logger should not be enabled at DEBUG level by default")
	}
}

func TestReadCLIOptions_CustomFlags(t *testing.T) {
	cssFile := filepath.Join(t.TempDir(), "epub.css")
	if err := os.WriteFile(cssFile, []byte("body{}"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	opts, err := readCLIOptionsForTest(t,
		"--cookie-file", "/tmp/cookies.sqlite",
		"--output", "./out",
		"--concurrency", "4",
		"--rate-limit", "2",
		"--timeout", "30s",
		"--max-image-width", "720",
		"--quality", "90",
		"--css-map", "epub.css="+cssFile,
		"--skip-session-check",
		"--log-level", "warn",
		"--verbose",
	)
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}

	cfg := opts.Config
	if cfg.CookieFile != "/tmp/cookies.sqlite" {
		t.Fatalf("CookieFile = %q", cfg.CookieFile)
	}
	if cfg.Output != "./out" {
		t.Fatalf("Output = %q", cfg.Output)
	}
	if cfg.Concurrency != 4 {
		t.Fatalf("Concurrency = %d", cfg.Concurrency)
	}
	if cfg.RateLimit != 2 {
		t.Fatalf("RateLimit = %g", cfg.RateLimit)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("Timeout = %v", cfg.Timeout)
	}
	if cfg.MaxImageWidth != 720 {
		t.Fatalf("MaxImageWidth = %d", cfg.MaxImageWidth)
	}
	if cfg.JPEGQuality != 90 {
		t.Fatalf("JPEGQuality = %d", cfg.JPEGQuality)
	}
	if !cfg.SkipCheck {
		t.Fatal("SkipCheck = false, want true")
	}
	overrides, err := cfg.CSSOverrides()
	if err != nil || overrides["epub.css"] != cssFile {
		t.Fatalf("CSSOverrides() = %v, %v", overrides, err)
	}
	// --verbose overrides log-level to debug
	if !opts.Logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("Logger should be enabled at DEBUG level when --verbose is set")
	}
}

func TestReadCLIOptions_Env(t *testing.T) {
	t.Setenv("EPUBFETCH_COOKIE", "orm-jwt=abc")
	t.Setenv("EPUBFETCH_CONCURRENCY", "3")

	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	v.SetEnvPrefix("EPUBFETCH")
	v.AutomaticEnv()

	opts, err := readCLIOptions(cmd, v, []string{"123"})
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}
	if opts.Config.Cookie != "orm-jwt=abc" || opts.Config.Concurrency != 3 {
		t.Fatalf("Cookie, Concurrency = %q, %d", opts.Config.Cookie, opts.Config.Concurrency)
	}
}

func TestInitConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epubfetch.yaml")
	if err := os.WriteFile(path, []byte("cookie: a=b\noutput: /srv/books\nwoff2_tool: /opt/woff2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.ParseFlags([]string{"--config", path, "--output", "./override"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if err := initConfig(cmd, v); err != nil {
		t.Fatalf("initConfig() error = %v", err)
	}
	opts, err := readCLIOptions(cmd, v, []string{"123"})
	if err != nil {
		t.Fatalf("readCLIOptions() error = %v", err)
	}
	if opts.Config.Cookie != "a=b" {
		t.Fatalf("Cookie = %q, want %q", opts.Config.Cookie, "a=b")
	}
	if opts.Config.Output != "./override" {
		t.Fatalf("Output = %q, want the flag value", opts.Config.Output)
	}
	if opts.Config.Woff2Tool != "/opt/woff2" {
		t.Fatalf("Woff2Tool = %q", opts.Config.Woff2Tool)
	}
}

func TestInitConfig_MissingExplicitFile(t *testing.T) {
	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	if err := initConfig(cmd, v); err == nil {
		t.Fatal("initConfig() with a missing explicit config file returned no error")
	}
}

func TestReadCLIOptions_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no session", args: nil, wantErr: "cookie or cookie_file"},
		{name: "quality", args: []string{"--cookie", "a=b", "--quality", "101"}, wantErr: "jpeg_quality"},
		{name: "concurrency", args: []string{"--cookie", "a=b", "--concurrency", "-1"}, wantErr: "concurrency"},
		{name: "css map", args: []string{"--cookie", "a=b", "--css-map", "epub.css"}, wantErr: "css_map"},
		{name: "log level", args: []string{"--cookie", "a=b", "--log-level", "trace"}, wantErr: "--log-level"},
		{name: "log format", args: []string{"--cookie", "a=b", "--log-format", "yaml"}, wantErr: "--log-format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readCLIOptionsForTest(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("readCLIOptions() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadCLIOptions_InvalidBookID(t *testing.T) {
	v := viper.New()
	cmd := newRootCmd(v)
	if err := cmd.ParseFlags([]string{"--cookie", "a=b"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	for _, id := range []string{"", "  ", "../etc", "12 34"} {
		if _, err := readCLIOptions(cmd, v, []string{id}); err == nil || !strings.Contains(err.Error(), "invalid book id") {
			t.Errorf("readCLIOptions(%q) error = %v, want invalid book id", id, err)
		}
	}
}

func TestBuildLogger_FormatNormalization(t *testing.T) {
	var buf bytes.Buffer
	logger := buildLogger(&buf, "info", "JSON")
	logger.Info("test message")
	// JSON format should produce JSON output (starts with '{')
	output := buf.String()
	if len(output) == 0 || output[0] != '{' {
		t.Fatalf("expected JSON output for format 'JSON', got: %s", output)
	}
}

func TestBuildLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := buildLogger(&buf, "warn", "text")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected log output: %s", buf.String())
	}
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.epub")
	data, err := epub.Assemble(&epub.Package{
		Metadata: epub.Metadata{Title: "T", Language: "en", Identifier: "urn:isbn:1"},
		Chapters: []epub.Chapter{{
			ID: "ch001", Path: "text/ch001.xhtml", Title: "One",
			Data: []byte(`<?xml version="1.0" encoding="utf-8"?><html xmlns="http://www.w3.org/1999/xhtml"><head><title>One</title></head><body><p>1</p></body></html>`),
		}},
	})
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if err := os.WriteFile(good, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	bad := filepath.Join(dir, "bad.epub")
	if err := os.WriteFile(bad, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCmd(viper.New())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"verify", good})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("verify error = %v", err)
	}
	if !strings.Contains(out.String(), "good.epub: ok (1 spine items, 2 manifest items, 5 entries)\n") {
		t.Fatalf("verify output = %q", out.String())
	}

	cmd = newRootCmd(viper.New())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"verify", good, bad, "--log-level", "error"})
	err = cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "1 of 2 files failed verification") {
		t.Fatalf("verify error = %v, want one failure", err)
	}
}
