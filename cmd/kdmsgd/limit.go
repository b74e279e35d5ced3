package main

import "context"

// linkLimiter caps how many links serve runs at once. A
// slot is taken before accepting, so a server at its limit
// leaves new peers waiting in the kernel's backlog instead
// of accepting and then dropping them. The nil limiter
// allows any number.
type linkLimiter struct {
	sem chan struct{}
}

func newLinkLimiter(n int) *linkLimiter {
	if n <= 0 {
		return nil
	}
	return &linkLimiter{sem: make(chan struct{}, n)}
}

// acquire returns false if ctx ended first.
func (l *linkLimiter) acquire(ctx context.Context) bool {
	if l == nil {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case l.sem <- struct{}{}:
		return true
	}
}

func (l *linkLimiter) release() {
	if l == nil {
		return
	}
	<-l.sem
}
