package main

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cimex/control-plane/internal/database"
	"github.com/cimex/control-plane/internal/metrics"
)

const staleNodesSchedule = "@every 1m"

// markStaleNodes flips nodes that have not registered within staleAfter to
// inactive. Nodes are never deleted here.
func markStaleNodes(staleAfter time.Duration, m *metrics.Metrics) {
	if staleAfter <= 0 {
		return
	}
	n, err := database.MarkStaleNodes(time.Now().UTC().Add(-staleAfter))
	if err != nil {
		log.Printf("[stale] Failed to mark stale nodes: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[stale] Marked %d node(s) inactive (not seen for %s)", n, staleAfter)
	}
	m.RecordStaleNodes(n)
}

// startStaleNodesJob schedules markStaleNodes. The caller stops the returned
// scheduler on shutdown.
func startStaleNodesJob(staleAfter time.Duration, m *metrics.Metrics) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(staleNodesSchedule, func() { markStaleNodes(staleAfter, m) }); err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
