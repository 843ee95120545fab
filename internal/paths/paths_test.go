package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigPathPrefersLocal(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("TABRELAY_HOME", home)
	t.Chdir(work)

	got, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if got != "" {
		t.Fatalf("expected no config, got %q", got)
	}

	global := filepath.Join(home, "tabrelay.toml")
	if err := os.WriteFile(global, []byte("[pool]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, _ = ConfigPath()
	if got != global {
		t.Errorf("ConfigPath() = %q, want %q", got, global)
	}

	if err := os.WriteFile(filepath.Join(work, "tabrelay.yaml"), []byte("pool: {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, _ = ConfigPath()
	if filepath.Base(got) != "tabrelay.yaml" || filepath.Dir(got) == home {
		t.Errorf("ConfigPath() = %q, want local tabrelay.yaml", got)
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"~", home},
		{"~/profiles", filepath.Join(home, "profiles")},
	}
	for _, tt := range tests {
		got, err := ExpandTilde(tt.in)
		if err != nil {
			t.Fatalf("ExpandTilde(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ExpandTilde(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
