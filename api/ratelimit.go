// Copyright 2025 The eigenswarm Authors
// This file is part of the eigenswarm library.
//
// The eigenswarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The eigenswarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the eigenswarm library. If not, see <http://www.gnu.org/licenses/>.

package api

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

var limitedMeter = metrics.NewRegisteredMeter("api/ratelimited", nil)

const (
	// defaultRateLimit is the unauthenticated request budget per window.
	defaultRateLimit = 60

	rateWindow = time.Minute

	// limiterSweepInterval clears expired windows so the map does not
	// grow with one entry per client forever.
	limiterSweepInterval = 5 * time.Minute
)

type rateWindowState struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window limiter keyed by (client, route class).
// The client is the API key prefix when authenticated, the remote IP
// otherwise.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindowState

	quit chan struct{}
	wg   sync.WaitGroup
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		windows: make(map[string]*rateWindowState),
		quit:    make(chan struct{}),
	}
}

func (l *rateLimiter) start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.quit:
				return
			}
		}
	}()
}

func (l *rateLimiter) stop() {
	close(l.quit)
	l.wg.Wait()
}

// allow consumes one request from the (client, class) window against
// limit and returns the remaining budget.
func (l *rateLimiter) allow(client, class string, limit int) (remaining int, ok bool) {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	key := client + "|" + class
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, exists := l.windows[key]
	if !exists || now.After(w.resetAt) {
		w = &rateWindowState{resetAt: now.Add(rateWindow)}
		l.windows[key] = w
	}
	if w.count >= limit {
		limitedMeter.Mark(1)
		return 0, false
	}
	w.count++
	return limit - w.count, true
}

func (l *rateLimiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	for key, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, key)
		}
	}
	l.mu.Unlock()
}
