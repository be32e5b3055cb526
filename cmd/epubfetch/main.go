package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yuanying/epubfetch/internal/assets"
	"github.com/yuanying/epubfetch/internal/config"
	"github.com/yuanying/epubfetch/internal/epub"
	"github.com/yuanying/epubfetch/internal/fetch"
	"github.com/yuanying/epubfetch/internal/pipeline"
	"github.com/yuanying/epubfetch/internal/session"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"api-base":           "api_base",
	"profile-url":        "profile_url",
	"cookie-file":        "cookie_file",
	"cookie-domain":      "cookie_domain",
	"cookie":             "cookie",
	"email":              "email",
	"output":             "output",
	"concurrency":        "concurrency",
	"rate-limit":         "rate_limit",
	"timeout":            "timeout",
	"woff2":              "woff2",
	"woff2-tool":         "woff2_tool",
	"max-image-width":    "max_image_width",
	"quality":            "jpeg_quality",
	"css-map":            "css_map",
	"skip-session-check": "skip_session_check",
}

type cliOptions struct {
	BookID string
	Config config.Config
	Logger *slog.Logger
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epubfetch BOOK_ID",
		Short: "Download an O'Reilly book as an EPUB file",
		Long: `epubfetch downloads a book you have access to on O'Reilly Learning and
packages its chapters, stylesheets, images and fonts into a valid EPUB 3
file named <output>/<BOOK_ID>.epub.

The session is taken from a browser cookie store (--cookie-file, Firefox
cookies.sqlite or a Netscape cookies.txt export) or a raw Cookie header
(--cookie). Settings can also come from .epubfetch.yaml or EPUBFETCH_*
environment variables.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd, v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readCLIOptions(cmd, v, args)
			if err != nil {
				return err
			}
			return runDownload(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default .epubfetch.yaml in the current or home directory)")
	pf.String("log-level", defaultLogLevel, "Log level: debug, info, warn, error")
	pf.String("log-format", defaultLogFormat, "Log format: text, json")
	pf.BoolP("verbose", "v", false, "Enable debug logging (overrides --log-level)")

	f := cmd.Flags()
	f.String("api-base", "", "Vendor API base URL")
	f.String("profile-url", "", "Profile page used to check the session")
	f.String("cookie-file", "", "Firefox cookies.sqlite or Netscape cookies.txt")
	f.String("cookie-domain", "", "Only use cookies for this domain")
	f.String("cookie", "", "Raw Cookie header (overrides --cookie-file)")
	f.String("email", "", "Account email expected on the profile page")
	f.StringP("output", "o", "", "Output directory")
	f.IntP("concurrency", "c", 0, "Maximum number of requests in flight")
	f.Float64("rate-limit", 0, "Maximum requests per second (0 = unlimited)")
	f.Duration("timeout", 0, "Per-request timeout")
	f.Bool("woff2", false, "Convert TrueType/OpenType fonts to WOFF2 with woff2_compress")
	f.String("woff2-tool", "", "Path or name of the woff2_compress binary")
	f.Int("max-image-width", 0, "Scale down JPEG/PNG images wider than this (0 = never)")
	f.Int("quality", 0, "JPEG quality used when images are scaled (1-100)")
	f.StringArray("css-map", nil, "Replace a stylesheet with a local file: NAME_OR_URL=FILE (repeatable)")
	f.Bool("skip-session-check", false, "Do not check the session before downloading")

	for flag, key := range flagKeys {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}

	cmd.AddCommand(newVerifyCmd())
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify FILE...",
		Short: "Check the structure of EPUB files",
		Long: `verify opens each EPUB file and checks that mimetype is the first, stored
entry, that container.xml names the package document, and that the manifest,
spine, navigation document and document links are consistent.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromFlags(cmd)
			if err != nil {
				return err
			}
			failed := 0
			for _, name := range args {
				if err := verifyFile(cmd.OutOrStdout(), name); err != nil {
					logger.Error("verification failed", "file", name, "error", err)
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed verification", failed, len(args))
			}
			return nil
		},
	}
}

// initConfig wires the config file and environment into v.
func initConfig(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".epubfetch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	v.SetEnvPrefix("EPUBFETCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func readCLIOptions(cmd *cobra.Command, v *viper.Viper, args []string) (cliOptions, error) {
	logger, err := loggerFromFlags(cmd)
	if err != nil {
		return cliOptions{}, err
	}

	bookID := strings.TrimSpace(args[0])
	if bookID == "" || strings.ContainsAny(bookID, `/\ `) {
		return cliOptions{}, fmt.Errorf("invalid book id %q", args[0])
	}

	cfg, err := config.Load(v)
	if err != nil {
		return cliOptions{}, err
	}
	if err := cfg.Validate(); err != nil {
		return cliOptions{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cliOptions{
		BookID: bookID,
		Config: cfg,
		Logger: logger,
	}, nil
}

func loggerFromFlags(cmd *cobra.Command) (*slog.Logger, error) {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFormat, _ := cmd.Flags().GetString("log-format")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if _, ok := parseLogLevel(logLevel); !ok {
		return nil, fmt.Errorf("--log-level must be one of debug, info, warn, error: %q", logLevel)
	}
	if !validLogFormat(logFormat) {
		return nil, fmt.Errorf("--log-format must be text or json: %q", logFormat)
	}
	if verbose {
		logLevel = "debug"
	}
	return buildLogger(os.Stderr, logLevel, logFormat), nil
}

func parseLogLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func validLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

func buildLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, _ := parseLogLevel(level)
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// loadSession builds the session from the raw cookie header or the cookie
// file.
func loadSession(ctx context.Context, cfg config.Config) (*session.Session, error) {
	if cfg.Cookie != "" {
		return session.FromHeader(cfg.Cookie), nil
	}
	return session.LoadCookies(ctx, cfg.CookieFile, cfg.CookieDomain)
}

func runDownload(ctx context.Context, stdout io.Writer, opts cliOptions) error {
	cfg := opts.Config
	sess, err := loadSession(ctx, cfg)
	if err != nil {
		return err
	}
	overrides, err := cfg.CSSOverrides()
	if err != nil {
		return err
	}

	client := fetch.New(fetch.Options{
		Concurrency: cfg.Concurrency,
		RateLimit:   cfg.RateLimit,
		Timeout:     cfg.Timeout,
		Header:      sess.Header(),
		Logger:      opts.Logger,
	})

	var transcoder assets.Transcoder
	if cfg.Woff2 {
		transcoder = assets.Woff2Transcoder{Tool: cfg.Woff2Tool}
	}
	profileURL := cfg.ProfileURL
	if cfg.SkipCheck {
		profileURL = ""
	}

	p := pipeline.New(pipeline.Options{
		BookID:     opts.BookID,
		OutputDir:  cfg.Output,
		Fetcher:    client,
		APIBase:    cfg.APIBase,
		ProfileURL: profileURL,
		Email:      cfg.Email,
		Transcoder: transcoder,
		Optimizer:  assets.NewImageOptimizer(cfg.MaxImageWidth, cfg.JPEGQuality),
		CSSMap:     overrides,
		Logger:     opts.Logger,
	})

	opts.Logger.Info("downloading", "book", opts.BookID, "output", cfg.Output)
	res, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	opts.Logger.Info("done", "title", res.Book.Title, "chapters", res.Chapters, "assets", res.Assets, "bytes", res.Size)
	fmt.Fprintln(stdout, res.Path)
	return nil
}

func verifyFile(w io.Writer, name string) error {
	r, err := epub.Open(name)
	if err != nil {
		return err
	}
	defer r.Close()

	opf, err := r.Verify()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: ok (%d spine items, %d manifest items, %d entries)", name, len(opf.Spine), len(opf.Manifest), len(r.Names()))
	if cover, ok := opf.FindCoverImage(); ok {
		fmt.Fprintf(w, " cover=%s", cover)
	}
	fmt.Fprintln(w)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
