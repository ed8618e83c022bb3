package version

import "testing"

func TestStringIncludesShortCommit(t *testing.T) {
	info := Info{Version: "v1.2.3", Commit: "0123456789abcdef0123"}
	if got, want := info.String(), "v1.2.3 (0123456789ab)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got := (Info{Version: "v1"}).String(); got != "v1" {
		t.Fatalf("String() = %q, want v1", got)
	}
}

func TestResolvePrefersLdflags(t *testing.T) {
	prev := Version
	Version = "v9.9.9"
	defer func() { Version = prev }()

	info := Resolve()
	if info.Version != "v9.9.9" {
		t.Fatalf("Version = %q", info.Version)
	}
	if info.GoVersion == "" {
		t.Fatalf("GoVersion is empty")
	}
}
