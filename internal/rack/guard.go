package rack

import (
	"fmt"
	"sync"
	"time"
)

// Guard limits how often the rack switches machines on or off: a sliding
// one-hour cap across the rack and a per-machine cooldown. Queries are never
// limited. A zero limit disables that check.
type Guard struct {
	mu         sync.Mutex
	maxPerHour int
	cooldown   time.Duration
	recent     []time.Time
	lastAction map[string]time.Time
	now        func() time.Time
}

// NewGuard creates a guard. maxPerHour <= 0 disables the cap and cooldown <= 0
// disables the per-machine cooldown.
func NewGuard(maxPerHour int, cooldown time.Duration) *Guard {
	return &Guard{
		maxPerHour: maxPerHour,
		cooldown:   cooldown,
		lastAction: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Reserve admits a state change on systemID and counts it immediately, so
// concurrent actions for the same machine cannot all pass the check. The
// returned release undoes the reservation for an action that never reached
// the hardware.
func (g *Guard) Reserve(systemID string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneOld(now)
	if g.maxPerHour > 0 && len(g.recent) >= g.maxPerHour {
		return nil, fmt.Errorf("rack power action limit of %d per hour reached", g.maxPerHour)
	}
	if g.cooldown > 0 {
		if last, ok := g.lastAction[systemID]; ok && now.Sub(last) < g.cooldown {
			return nil, fmt.Errorf("machine %s is cooling down", systemID)
		}
	}

	prev, hadPrev := g.lastAction[systemID]
	g.recent = append(g.recent, now)
	g.lastAction[systemID] = now

	var once sync.Once
	return func() {
		once.Do(func() { g.release(systemID, now, prev, hadPrev) })
	}, nil
}

func (g *Guard) release(systemID string, at, prev time.Time, hadPrev bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := len(g.recent) - 1; i >= 0; i-- {
		if g.recent[i].Equal(at) {
			g.recent = append(g.recent[:i], g.recent[i+1:]...)
			break
		}
	}
	if last, ok := g.lastAction[systemID]; ok && last.Equal(at) {
		if hadPrev {
			g.lastAction[systemID] = prev
		} else {
			delete(g.lastAction, systemID)
		}
	}
}

// pruneOld drops window entries older than an hour and expired cooldowns.
func (g *Guard) pruneOld(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(g.recent) && g.recent[i].Before(cutoff) {
		i++
	}
	g.recent = g.recent[i:]
	for id, last := range g.lastAction {
		if now.Sub(last) >= g.cooldown {
			delete(g.lastAction, id)
		}
	}
}
