package util

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalToRemote(t *testing.T) {
	base := filepath.Join("home", "me", "cfg")
	tests := []struct {
		local  string
		remote string
		want   string
	}{
		{filepath.Join(base, "init.lua"), "/home/user/.config/nvim", "/home/user/.config/nvim/init.lua"},
		{filepath.Join(base, "lua", "plugins", "a.lua"), "/home/user/.config/nvim/", "/home/user/.config/nvim/lua/plugins/a.lua"},
		{filepath.Join(base, "x.txt"), "", "x.txt"},
	}
	for _, tt := range tests {
		got, err := LocalToRemote(base, tt.remote, tt.local)
		if err != nil {
			t.Fatalf("LocalToRemote(%q): %v", tt.local, err)
		}
		if got != tt.want {
			t.Errorf("LocalToRemote(%q, %q) = %q, expected %q", tt.remote, tt.local, got, tt.want)
		}
	}
}

func TestLocalToRemoteRejectsOutsidePath(t *testing.T) {
	if _, err := LocalToRemote(filepath.Join("a", "b"), "/r", filepath.Join("a", "c")); err == nil {
		t.Fatalf("expected error for path outside base")
	}
}

func TestInterpolate(t *testing.T) {
	vars := map[string]string{"remote_root": "/home/user/.config/nvim", "version": "nightly"}
	got := Interpolate("ls {{remote_root}} && echo {{ version }} {{unknown}}", vars)
	want := "ls /home/user/.config/nvim && echo nightly {{unknown}}"
	if got != want {
		t.Fatalf("Interpolate = %q, expected %q", got, want)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mred\x1b[0m line\r\n\x1b]0;title\x07done"
	if got := StripANSI(in); got != "red line\ndone" {
		t.Fatalf("StripANSI = %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	if got := ShellQuote("it's"); got != `'it'\''s'` {
		t.Fatalf("ShellQuote = %s", got)
	}
}

func TestPrinterHeaderAndBanner(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.SetWidth(20)
	p.Header("Verify git")
	p.Banner("PHASE 1")

	out := buf.String()
	if !strings.Contains(out, "▶ Verify git") {
		t.Fatalf("missing header label: %q", out)
	}
	if !strings.Contains(out, strings.Repeat("=", 20)+"\n  PHASE 1\n") {
		t.Fatalf("missing banner: %q", out)
	}
}
