package session

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
)

// PrivacyFilter applies masking and path-based filtering to sessions
// before they leave the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskSessionIDs  bool
	MaskPIDs        bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a session with the given working directory should
// be broadcast. An empty working directory is always allowed (the session
// hasn't resolved its path yet). When AllowedPaths is non-empty, the path
// must match at least one pattern. If it passes the allowlist, it must not
// match any BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(workingDir string) bool {
	if workingDir == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, workingDir) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, workingDir) {
			return false
		}
	}

	return true
}

// matchPathOrParent checks if pattern matches path or any of its parent
// directories. This allows patterns like "/home/user/*" to match deeply
// nested paths like "/home/user/work/project-a" because the parent
// "/home/user/work" matches the glob.
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of the session with sensitive fields masked.
// Session-id masking also covers every field that references another
// session so the masked graph stays consistent. The original is never
// modified.
func (f *PrivacyFilter) Apply(s *Session) *Session {
	if f.IsNoop() {
		return s
	}
	masked := s.Clone()

	if f.MaskWorkingDirs && masked.Cwd != "" {
		masked.Cwd = filepath.Base(masked.Cwd)
	}

	if f.MaskSessionIDs {
		masked.ID = ShortHash(masked.ID)
		masked.ParentSessionID = hashNonEmpty(masked.ParentSessionID)
		masked.ReplacesID = hashNonEmpty(masked.ReplacesID)
		for i, id := range masked.ChildSessionIDs {
			masked.ChildSessionIDs[i] = ShortHash(id)
		}
		masked.Aliases = nil
	}

	if f.MaskPIDs {
		masked.CachedPID = 0
	}

	return masked
}

// ApplyTeam masks the member ids of a team when session ids are masked.
func (f *PrivacyFilter) ApplyTeam(t *Team) *Team {
	if !f.MaskSessionIDs {
		return t
	}
	masked := t.Clone()
	masked.ParentSessionID = ShortHash(masked.ParentSessionID)
	for i, id := range masked.ChildSessionIDs {
		masked.ChildSessionIDs[i] = ShortHash(id)
	}
	return masked
}

// MaskID returns the id as viewers see it.
func (f *PrivacyFilter) MaskID(id string) string {
	if f.MaskSessionIDs {
		return ShortHash(id)
	}
	return id
}

// FilterSlice returns a new slice containing only the allowed sessions,
// with privacy masking applied to each. The original slice is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []*Session) []*Session {
	result := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.Cwd) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing (no masking, no path filtering).
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskSessionIDs && !f.MaskPIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}

func hashNonEmpty(s string) string {
	if s == "" {
		return ""
	}
	return ShortHash(s)
}

// ShortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func ShortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
