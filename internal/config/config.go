// Package config loads the runtime configuration of epubfetch from
// .epubfetch.yaml, EPUBFETCH_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for a download.
type Config struct {
	APIBase       string        `mapstructure:"api_base"`
	ProfileURL    string        `mapstructure:"profile_url"`
	CookieFile    string        `mapstructure:"cookie_file"`
	CookieDomain  string        `mapstructure:"cookie_domain"`
	Cookie        string        `mapstructure:"cookie"`
	Email         string        `mapstructure:"email"`
	Output        string        `mapstructure:"output"`
	Concurrency   int           `mapstructure:"concurrency"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Woff2         bool          `mapstructure:"woff2"`
	Woff2Tool     string        `mapstructure:"woff2_tool"`
	MaxImageWidth int           `mapstructure:"max_image_width"`
	JPEGQuality   int           `mapstructure:"jpeg_quality"`
	CSSMap        []string      `mapstructure:"css_map"` // "name-or-url=local file"
	SkipCheck     bool          `mapstructure:"skip_session_check"`
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api_base", "https://api.oreilly.com")
	v.SetDefault("profile_url", "https://learning.oreilly.com/profile/")
	v.SetDefault("cookie_file", "")
	v.SetDefault("cookie_domain", "oreilly.com")
	v.SetDefault("cookie", "")
	v.SetDefault("email", "")
	v.SetDefault("output", "eBooks")
	v.SetDefault("concurrency", 16)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("woff2", false)
	v.SetDefault("woff2_tool", "woff2_compress")
	v.SetDefault("max_image_width", 0)
	v.SetDefault("jpeg_quality", 85)
	v.SetDefault("skip_session_check", false)
}

// Load reads configuration from v, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports configuration problems that would otherwise surface in
// the middle of a download.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", c.JPEGQuality))
	}
	if c.MaxImageWidth < 0 {
		errs = append(errs, fmt.Errorf("max_image_width must not be negative, got %d", c.MaxImageWidth))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %g", c.RateLimit))
	}
	if c.Cookie == "" && c.CookieFile == "" {
		errs = append(errs, errors.New("either cookie or cookie_file must be set"))
	}
	if c.Woff2 {
		if _, err := exec.LookPath(c.Woff2Tool); err != nil {
			errs = append(errs, fmt.Errorf("woff2 conversion requested but %q was not found: %w", c.Woff2Tool, err))
		}
	}
	overrides, err := c.CSSOverrides()
	if err != nil {
		errs = append(errs, err)
	}
	for key, file := range overrides {
		if _, err := os.Stat(file); err != nil {
			errs = append(errs, fmt.Errorf("css_map entry %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// CSSOverrides parses the css_map entries, each "name-or-url=file". The last
// '=' separates the two so URL keys may carry a query string.
func (c Config) CSSOverrides() (map[string]string, error) {
	if len(c.CSSMap) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(c.CSSMap))
	for _, entry := range c.CSSMap {
		i := strings.LastIndex(entry, "=")
		if i < 0 {
			return nil, fmt.Errorf("css_map entry %q: want name=file", entry)
		}
		key, file := strings.TrimSpace(entry[:i]), strings.TrimSpace(entry[i+1:])
		if key == "" || file == "" {
			return nil, fmt.Errorf("css_map entry %q: want name=file", entry)
		}
		out[key] = file
	}
	return out, nil
}
