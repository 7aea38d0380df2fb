package permission

import (
	"context"
	"fmt"
	"strings"
)

// Static grants a fixed set of permissions, typically from config.
type Static struct {
	granted map[Permission]bool
}

// NewStatic grants the named permissions. Names are matched case-insensitively.
func NewStatic(granted ...string) *Static {
	s := &Static{granted: make(map[Permission]bool, len(granted))}
	for _, g := range granted {
		s.granted[Permission(strings.ToLower(strings.TrimSpace(g)))] = true
	}
	return s
}

func (s *Static) Request(_ context.Context, p Permission) error {
	if s.granted[p] {
		return nil
	}
	return fmt.Errorf("%w: %s is not granted", ErrDenied, p)
}
