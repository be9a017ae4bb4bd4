package matcher

import (
	"path/filepath"
	"strings"
	"time"
)

// PendingLink says that a terminal was just opened in Cwd and the next
// unknown session starting there probably belongs to it.
type PendingLink struct {
	TerminalID string    `json:"terminalId"`
	SessionID  string    `json:"sessionId"` // the terminal's placeholder session
	Cwd        string    `json:"cwd"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PendingResume says that Target was asked to resume, so the next
// unknown session from the same terminal or directory continues it.
type PendingResume struct {
	TargetID   string    `json:"targetId"`
	TerminalID string    `json:"terminalId,omitempty"`
	Cwd        string    `json:"cwd"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Pending holds the short-lived correlation hints. It is owned by the
// coordinator goroutine and is not safe for concurrent use.
type Pending struct {
	linkTTL   time.Duration
	resumeTTL time.Duration
	links     []PendingLink // oldest first
	resumes   []PendingResume
}

func NewPending(linkTTL, resumeTTL time.Duration) *Pending {
	return &Pending{linkTTL: linkTTL, resumeTTL: resumeTTL}
}

func (p *Pending) AddLink(l PendingLink) {
	l.Cwd = NormalizePath(l.Cwd)
	p.links = append(p.links, l)
}

// AddResume records a resume request. A newer request for the same
// target replaces the older one.
func (p *Pending) AddResume(r PendingResume) {
	r.Cwd = NormalizePath(r.Cwd)
	kept := p.resumes[:0]
	for _, old := range p.resumes {
		if old.TargetID != r.TargetID {
			kept = append(kept, old)
		}
	}
	p.resumes = append(kept, r)
}

// takeResume consumes the oldest live resume matching the terminal id
// or, failing that, the directory.
func (p *Pending) takeResume(terminalID, cwd string, now time.Time) (PendingResume, bool) {
	p.expire(now)
	idx := -1
	if terminalID != "" {
		for i, r := range p.resumes {
			if r.TerminalID == terminalID {
				idx = i
				break
			}
		}
	}
	if idx < 0 && cwd != "" {
		for i, r := range p.resumes {
			if r.Cwd == cwd {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return PendingResume{}, false
	}
	r := p.resumes[idx]
	p.resumes = append(p.resumes[:idx], p.resumes[idx+1:]...)
	return r, true
}

// takeLink consumes the oldest live link for cwd whose placeholder
// session is still accepted by ok.
func (p *Pending) takeLink(cwd string, now time.Time, ok func(PendingLink) bool) (PendingLink, bool) {
	p.expire(now)
	if cwd == "" {
		return PendingLink{}, false
	}
	for i, l := range p.links {
		if l.Cwd == cwd && ok(l) {
			p.links = append(p.links[:i], p.links[i+1:]...)
			return l, true
		}
	}
	return PendingLink{}, false
}

// DropTerminal forgets every hint that points at terminalID.
func (p *Pending) DropTerminal(terminalID string) {
	kept := p.links[:0]
	for _, l := range p.links {
		if l.TerminalID != terminalID {
			kept = append(kept, l)
		}
	}
	p.links = kept
}

func (p *Pending) expire(now time.Time) {
	links := p.links[:0]
	for _, l := range p.links {
		if now.Sub(l.CreatedAt) <= p.linkTTL {
			links = append(links, l)
		}
	}
	p.links = links

	resumes := p.resumes[:0]
	for _, r := range p.resumes {
		if now.Sub(r.CreatedAt) <= p.resumeTTL {
			resumes = append(resumes, r)
		}
	}
	p.resumes = resumes
}

// Len returns the number of live links and resumes.
func (p *Pending) Len(now time.Time) (links, resumes int) {
	p.expire(now)
	return len(p.links), len(p.resumes)
}

// NormalizePath makes working directories comparable.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
