package assets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// writeTool installs a shell script standing in for woff2_compress.
func writeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tool not supported on windows")
	}
	tool := filepath.Join(t.TempDir(), "fake_woff2_compress")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return tool
}

func TestWoff2Transcoder(t *testing.T) {
	tool := writeTool(t, `printf 'wOF2' > "${1%.*}.woff2"; cat "$1" >> "${1%.*}.woff2"`)

	out, err := Woff2Transcoder{Tool: tool}.Transcode(context.Background(), "fonts/a-1234.ttf", []byte("TTF"))
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}
	if string(out) != "wOF2TTF" {
		t.Fatalf("Transcode() = %q, want %q", out, "wOF2TTF")
	}
}

func TestWoff2Transcoder_ToolFailure(t *testing.T) {
	tool := writeTool(t, `echo "bad font" >&2; exit 1`)

	_, err := Woff2Transcoder{Tool: tool}.Transcode(context.Background(), "fonts/a.otf", []byte("OTF"))
	if err == nil {
		t.Fatal("Transcode() error = nil, want failure")
	}
	var exitErr interface{ ExitCode() int }
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("Transcode() error = %v, want exit status 1", err)
	}
}

func TestWoff2Transcoder_NoOutput(t *testing.T) {
	tool := writeTool(t, `exit 0`)

	if _, err := (Woff2Transcoder{Tool: tool}).Transcode(context.Background(), "fonts/a.ttf", []byte("TTF")); err == nil {
		t.Fatal("Transcode() error = nil, want missing output error")
	}
}

func TestTranscodable(t *testing.T) {
	tests := map[string]bool{
		"fonts/a.ttf":   true,
		"fonts/a.OTF":   true,
		"fonts/a.woff":  false,
		"fonts/a.woff2": false,
		"fonts/a.font":  false,
	}
	for p, want := range tests {
		if got := transcodable(p); got != want {
			t.Errorf("transcodable(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestTranscodeError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&TranscodeError{URL: "https://e.com/f.ttf", Cause: cause})
	if !errors.Is(err, cause) {
		t.Fatal("TranscodeError does not unwrap to its cause")
	}
}
