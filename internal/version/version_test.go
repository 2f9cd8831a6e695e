package version

import "testing"

func TestGet(t *testing.T) {
	previousVersion := Version
	previousBuilt := Built
	previousCommit := GitCommit

	Version = "v1.2.3-rc.1"
	Built = "2026-01-11T12:34:56Z"
	GitCommit = "abc123"

	t.Cleanup(func() {
		Version = previousVersion
		Built = previousBuilt
		GitCommit = previousCommit
	})

	info := Get()
	if info.Version != "v1.2.3-rc.1" {
		t.Fatalf("expected version to be preserved, got %q", info.Version)
	}
	if info.Major != 1 || info.Minor != 2 || info.Patch != 3 {
		t.Fatalf("expected 1.2.3, got %d.%d.%d", info.Major, info.Minor, info.Patch)
	}
	if info.Built != "2026-01-11T12:34:56Z" {
		t.Fatalf("expected built timestamp to be preserved, got %q", info.Built)
	}
	if info.GitCommit != "abc123" {
		t.Fatalf("expected git commit to be preserved, got %q", info.GitCommit)
	}
	if info.GoVersion == "" {
		t.Fatalf("expected go version")
	}
}

func TestParseSemver(t *testing.T) {
	cases := map[string][3]int{
		"dev":          {0, 0, 0},
		"1.4":          {1, 4, 0},
		"v0.9.12":      {0, 9, 12},
		"2.0.1+abc":    {2, 0, 1},
		"1.x.3":        {0, 0, 0},
		" v3.1.4-beta": {3, 1, 4},
	}
	for input, want := range cases {
		major, minor, patch := parseSemver(input)
		if got := [3]int{major, minor, patch}; got != want {
			t.Fatalf("parseSemver(%q) = %v, want %v", input, got, want)
		}
	}
}
