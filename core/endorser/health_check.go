/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorser

import (
	"context"
	"sync"
	"time"
)

// HealthStatus reports whether a target peer is currently reachable
// through the Coordinator's connection pool, and the state of the
// circuit breaker guarding dispatch to it.
type HealthStatus struct {
	Peer          string
	IsHealthy     bool
	CircuitState  CircuitState
	LastCheckTime time.Time
}

// HealthCheck dials (or reuses) the connection to every target and reports
// per-peer reachability without sending a proposal. It does not open a
// circuit on failure by itself — that only happens through Endorse.
func (c *Coordinator) HealthCheck(ctx context.Context, targets []Target) []HealthStatus {
	statuses := make([]HealthStatus, len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))

	for i, target := range targets {
		i, target := i, target
		go func() {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
			defer cancel()
			_, err := c.pool.Get(dctx, target.Endpoint, c.dialTimeout)
			statuses[i] = HealthStatus{
				Peer:          target.ID,
				IsHealthy:     err == nil,
				CircuitState:  c.breakerFor(target.ID).GetState(),
				LastCheckTime: time.Now(),
			}
		}()
	}
	wg.Wait()
	return statuses
}
