package session

import (
	"testing"
)

func TestPrivacyFilter_IsAllowed(t *testing.T) {
	tests := []struct {
		name       string
		filter     PrivacyFilter
		workingDir string
		want       bool
	}{
		{
			name:       "empty filter allows everything",
			filter:     PrivacyFilter{},
			workingDir: "/home/user/project",
			want:       true,
		},
		{
			name:       "empty working dir always allowed",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			workingDir: "",
			want:       true,
		},
		{
			name:       "allowlist match direct",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			workingDir: "/home/user/work/myproject",
			want:       true,
		},
		{
			name:       "allowlist match nested",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			workingDir: "/home/user/work/deep/nested/path",
			want:       true,
		},
		{
			name:       "allowlist no match",
			filter:     PrivacyFilter{AllowedPaths: []string{"/home/user/work/*"}},
			workingDir: "/home/user/personal/diary",
			want:       false,
		},
		{
			name:       "blocklist match",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			workingDir: "/tmp/scratch",
			want:       false,
		},
		{
			name:       "blocklist match nested",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			workingDir: "/tmp/deep/nested",
			want:       false,
		},
		{
			name:       "blocklist no match",
			filter:     PrivacyFilter{BlockedPaths: []string{"/tmp/*"}},
			workingDir: "/home/user/project",
			want:       true,
		},
		{
			name: "allowlist passes but blocklist catches",
			filter: PrivacyFilter{
				AllowedPaths: []string{"/home/user/*"},
				BlockedPaths: []string{"/home/user/secret"},
			},
			workingDir: "/home/user/secret",
			want:       false,
		},
		{
			name: "multiple allowlist patterns",
			filter: PrivacyFilter{
				AllowedPaths: []string{"/home/user/work/*", "/home/user/projects/*"},
			},
			workingDir: "/home/user/projects/cool",
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.filter.IsAllowed(tt.workingDir)
			if got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.workingDir, got, tt.want)
			}
		})
	}
}

func TestPrivacyFilter_Apply(t *testing.T) {
	original := &Session{
		ID:              "abc123",
		Label:           "myproject",
		Cwd:             "/home/user/projects/myproject",
		CachedPID:       12345,
		ParentSessionID: "parent-1",
		ChildSessionIDs: []string{"child-1"},
		Aliases:         []string{"restarted-id"},
	}

	t.Run("mask working dirs", func(t *testing.T) {
		f := &PrivacyFilter{MaskWorkingDirs: true}
		result := f.Apply(original)
		if result.Cwd != "myproject" {
			t.Errorf("expected Cwd = %q, got %q", "myproject", result.Cwd)
		}
		if original.Cwd != "/home/user/projects/myproject" {
			t.Error("original was modified")
		}
	})

	t.Run("mask session IDs covers references", func(t *testing.T) {
		f := &PrivacyFilter{MaskSessionIDs: true}
		result := f.Apply(original)
		if result.ID != ShortHash("abc123") {
			t.Errorf("ID = %q, want hash", result.ID)
		}
		if result.ParentSessionID != ShortHash("parent-1") {
			t.Errorf("ParentSessionID = %q, want hash", result.ParentSessionID)
		}
		if result.ChildSessionIDs[0] != ShortHash("child-1") {
			t.Errorf("ChildSessionIDs[0] = %q, want hash", result.ChildSessionIDs[0])
		}
		if result.Aliases != nil {
			t.Error("aliases should be dropped")
		}
		if original.ChildSessionIDs[0] != "child-1" {
			t.Error("original child slice was modified")
		}
		if result.ReplacesID != "" {
			t.Error("empty ReplacesID should stay empty")
		}
	})

	t.Run("mask PIDs", func(t *testing.T) {
		f := &PrivacyFilter{MaskPIDs: true}
		result := f.Apply(original)
		if result.CachedPID != 0 {
			t.Errorf("expected CachedPID = 0, got %d", result.CachedPID)
		}
	})

	t.Run("no masking is noop", func(t *testing.T) {
		f := &PrivacyFilter{}
		if result := f.Apply(original); result != original {
			t.Error("no-op filter should return its input")
		}
	})
}

func TestPrivacyFilter_ApplyTeam(t *testing.T) {
	team := &Team{ID: "team-1", ParentSessionID: "p", ChildSessionIDs: []string{"c1", "c2"}}

	if got := (&PrivacyFilter{MaskPIDs: true}).ApplyTeam(team); got != team {
		t.Error("team should pass through when ids are not masked")
	}

	got := (&PrivacyFilter{MaskSessionIDs: true}).ApplyTeam(team)
	if got.ParentSessionID != ShortHash("p") || got.ChildSessionIDs[1] != ShortHash("c2") {
		t.Errorf("team members not masked: %+v", got)
	}
	if team.ChildSessionIDs[1] != "c2" {
		t.Error("original team modified")
	}
}

func TestPrivacyFilter_FilterSlice(t *testing.T) {
	sessions := []*Session{
		{ID: "s1", Cwd: "/home/user/work/project-a", CachedPID: 100},
		{ID: "s2", Cwd: "/home/user/personal/diary", CachedPID: 200},
		{ID: "s3", Cwd: "/tmp/scratch", CachedPID: 300},
	}

	f := &PrivacyFilter{
		MaskPIDs:     true,
		BlockedPaths: []string{"/tmp/*"},
	}

	result := f.FilterSlice(sessions)
	if len(result) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(result))
	}
	for _, s := range result {
		if s.CachedPID != 0 {
			t.Errorf("PID should be masked, got %d for %s", s.CachedPID, s.ID)
		}
		if s.Cwd == "/tmp/scratch" {
			t.Error("blocked session should not be in result")
		}
	}
}

func TestPrivacyFilter_FilterSlice_AllowAndBlock(t *testing.T) {
	sessions := []*Session{
		{ID: "s1", Cwd: "/home/user/work/project-a"},
		{ID: "s2", Cwd: "/home/user/work/secret-project"},
		{ID: "s3", Cwd: "/other/path"},
	}

	f := &PrivacyFilter{
		AllowedPaths: []string{"/home/user/work/*"},
		BlockedPaths: []string{"/home/user/work/secret-*"},
	}

	result := f.FilterSlice(sessions)
	if len(result) != 1 {
		t.Fatalf("expected 1 session, got %d", len(result))
	}
	if result[0].ID != "s1" {
		t.Errorf("expected s1, got %s", result[0].ID)
	}
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	t.Run("zero value is noop", func(t *testing.T) {
		f := &PrivacyFilter{}
		if !f.IsNoop() {
			t.Error("zero value filter should be noop")
		}
	})

	t.Run("with masking is not noop", func(t *testing.T) {
		f := &PrivacyFilter{MaskPIDs: true}
		if f.IsNoop() {
			t.Error("filter with masking should not be noop")
		}
	})

	t.Run("with paths is not noop", func(t *testing.T) {
		f := &PrivacyFilter{AllowedPaths: []string{"/foo/*"}}
		if f.IsNoop() {
			t.Error("filter with allowed paths should not be noop")
		}
	})
}

func TestMatchPathOrParent(t *testing.T) {
	// The walk stops at any root, where filepath.Dir(p) == p.
	tests := []struct {
		name    string
		pattern string
		path    string
		want    bool
	}{
		{
			name:    "drive-root pattern matches child",
			pattern: "/",
			path:    "/project",
			want:    false, // "/" is excluded as the loop stops before checking the root
		},
		{
			name:    "exact path match",
			pattern: "/home/user/project",
			path:    "/home/user/project",
			want:    true,
		},
		{
			name:    "parent glob matches nested path",
			pattern: "/home/user/*",
			path:    "/home/user/work/src",
			want:    true,
		},
		{
			name:    "no match returns false without infinite loop",
			pattern: "/other/*",
			path:    "/home/user/project",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchPathOrParent(tt.pattern, tt.path)
			if got != tt.want {
				t.Errorf("matchPathOrParent(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
			}
		})
	}
}

func TestShortHash_Deterministic(t *testing.T) {
	a := ShortHash("abc123")
	b := ShortHash("abc123")
	if a != b {
		t.Errorf("ShortHash not deterministic: %q vs %q", a, b)
	}

	c := ShortHash("different")
	if a == c {
		t.Error("different inputs should produce different hashes")
	}
}
