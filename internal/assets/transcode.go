package assets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultWoff2Tool is the converter looked up on PATH when none is configured.
const DefaultWoff2Tool = "woff2_compress"

// Transcoder converts a font to a more compact representation. name is the
// font's package path; its extension tells the source format.
type Transcoder interface {
	Transcode(ctx context.Context, name string, data []byte) ([]byte, error)
}

// TranscodeError reports a font that could not be transcoded. The pipeline
// logs it and packages the original bytes.
type TranscodeError struct {
	URL   string
	Cause error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode %s: %v", e.URL, e.Cause)
}

func (e *TranscodeError) Unwrap() error { return e.Cause }

// Woff2Transcoder runs an external woff2_compress binary on a scratch copy of
// the font. The tool writes <input base>.woff2 next to its input.
type Woff2Transcoder struct {
	Tool string
}

// Transcode implements Transcoder.
func (t Woff2Transcoder) Transcode(ctx context.Context, name string, data []byte) ([]byte, error) {
	tool := t.Tool
	if tool == "" {
		tool = DefaultWoff2Tool
	}

	dir, err := os.MkdirTemp("", "epubfetch-font-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = ".ttf"
	}
	src := filepath.Join(dir, "font"+ext)
	if err := os.WriteFile(src, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write font: %w", err)
	}

	cmd := exec.CommandContext(ctx, tool, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", tool, err, bytes.TrimSpace(out))
	}

	converted, err := os.ReadFile(filepath.Join(dir, "font.woff2"))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s output: %w", tool, err)
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("%s produced an empty file", tool)
	}
	return converted, nil
}

// transcodable reports whether a font at path is a woff2_compress input.
func transcodable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttf", ".otf":
		return true
	}
	return false
}
