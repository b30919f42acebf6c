// Package liveness is the external sweep collaborator that turns the
// registry's pure CheckHealth query into status mutations: agents whose
// heartbeat went stale are flipped to offline on a schedule.
package liveness

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentcomm-dev/agentcomm/registry"
)

// Sweeper periodically marks stale agents offline.
type Sweeper struct {
	registry  *registry.AgentRegistry
	threshold time.Duration
	cron      *cron.Cron
}

// NewSweeper creates a sweeper against the registry with the given
// heartbeat staleness threshold.
func NewSweeper(reg *registry.AgentRegistry, threshold time.Duration) *Sweeper {
	return &Sweeper{
		registry:  reg,
		threshold: threshold,
	}
}

// Sweep runs one pass and returns the number of agents newly marked
// offline. A later heartbeat revives them through the registry.
func (s *Sweeper) Sweep() int {
	flipped := 0
	for name, status := range s.registry.CheckHealth(s.threshold) {
		if status != registry.StatusOffline {
			continue
		}
		info, ok := s.registry.Get(name)
		if !ok || info.Status == registry.StatusOffline {
			continue
		}
		if s.registry.UpdateStatus(name, registry.StatusOffline) {
			flipped++
			log.Printf("liveness: marked %s offline (last heartbeat %s)",
				name, info.LastHeartbeat.Format(time.RFC3339))
		}
	}
	return flipped
}

// Start schedules Sweep at the given interval. Returns an error if already
// started or the interval is invalid.
func (s *Sweeper) Start(interval time.Duration) error {
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.Sweep() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}
