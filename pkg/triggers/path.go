// Package triggers provides ready-made experiment triggers.
//
// Every trigger embeds experiments.BaseTrigger and emits
// experiments.EventTriggered through experiments.CheckTrigger whenever its
// condition is observed to hold.
package triggers

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/skybet/canvass/pkg/experiments"
)

// Path holds while the current page path matches one of its patterns.
// Patterns use path.Match syntax, so "/" matches only the homepage and
// "/promo/*" matches one level below /promo.
type Path struct {
	experiments.BaseTrigger

	name     string
	patterns []string

	mu      sync.RWMutex
	current string
}

// NewPath creates a Path trigger for the page currently at current.
func NewPath(current string, patterns ...string) (*Path, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("path trigger: at least one pattern is required")
	}
	for _, p := range patterns {
		if _, err := path.Match(p, "/"); err != nil {
			return nil, fmt.Errorf("path trigger: bad pattern %q: %w", p, err)
		}
	}
	return &Path{
		name:     "path(" + strings.Join(patterns, "|") + ")",
		patterns: append([]string(nil), patterns...),
		current:  current,
	}, nil
}

func (p *Path) Name() string { return p.name }

// Setup checks the current path.
func (p *Path) Setup() error {
	return experiments.CheckTrigger(p)
}

func (p *Path) IsTriggered() bool {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()

	for _, pattern := range p.patterns {
		if ok, _ := path.Match(pattern, current); ok {
			return true
		}
	}
	return false
}

// Navigate records a page change and checks the trigger again.
func (p *Path) Navigate(to string) error {
	p.mu.Lock()
	p.current = to
	p.mu.Unlock()
	return experiments.CheckTrigger(p)
}

// Current returns the last path seen.
func (p *Path) Current() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
