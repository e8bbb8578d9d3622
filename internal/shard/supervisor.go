// Package shard implements the Shard Supervisor: partitions the symbol
// universe across Stream Clients per a declarative plan, restarts clients
// that fail or go silent, and applies a per-shard circuit breaker around
// reconnect attempts. Grounded on the teacher's overall supervisor loop in
// main.go (goroutine-per-worker plus WaitGroup/context shutdown),
// generalized here into a dedicated breaker-aware supervisor type.
package shard

import (
	"context"
	"strconv"
	"sync"
	"time"

	"ingestd/config"
	"ingestd/internal/telemetry"
)

// StreamClient is the subset of stream.Client the Supervisor depends on,
// so tests can substitute a fake. Run blocks until ctx is canceled or the
// underlying connection loop gives up.
type StreamClient interface {
	Run(ctx context.Context)
}

// Factory constructs a StreamClient for one shard assignment.
type Factory func(assignment config.ShardAssignment) StreamClient

// Supervisor owns one breaker + lifecycle per shard.
type Supervisor struct {
	bus     *telemetry.Bus
	factory Factory

	failureThreshold int
	window           time.Duration
	cooldownBase     time.Duration
	cooldownMax      time.Duration

	mu     sync.Mutex
	shards map[int]*shardState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type shardState struct {
	assignment config.ShardAssignment
	cancel     context.CancelFunc
	breaker    *breaker
}

// Config parameterizes breaker thresholds; see config.ShardConfig.
type Config struct {
	FailureThreshold int
	Window           time.Duration
	CooldownBase     time.Duration
	CooldownMax      time.Duration
}

// New constructs a Supervisor. factory builds a fresh StreamClient each
// time a shard (re)starts.
func New(cfg Config, bus *telemetry.Bus, factory Factory) *Supervisor {
	return &Supervisor{
		bus:              bus,
		factory:          factory,
		failureThreshold: cfg.FailureThreshold,
		window:           cfg.Window,
		cooldownBase:     cfg.CooldownBase,
		cooldownMax:      cfg.CooldownMax,
		shards:           make(map[int]*shardState),
	}
}

// Start launches one supervised goroutine per shard in plan.
func (s *Supervisor) Start(ctx context.Context, plan config.ShardPlan) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, assignment := range plan.Shards {
		s.startShard(ctx, assignment)
	}
}

func (s *Supervisor) startShard(ctx context.Context, assignment config.ShardAssignment) {
	shardCtx, cancel := context.WithCancel(ctx)
	st := &shardState{
		assignment: assignment,
		cancel:     cancel,
		breaker:    newBreaker(s.failureThreshold, s.window, s.cooldownBase, s.cooldownMax),
	}

	s.mu.Lock()
	s.shards[assignment.Index] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go s.superviseShard(shardCtx, st)
}

// superviseShard restarts the shard's StreamClient whenever it returns,
// respecting the circuit breaker's open/half-open/closed state.
func (s *Supervisor) superviseShard(ctx context.Context, st *shardState) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		if wait := st.breaker.openFor(); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		client := s.factory(st.assignment)
		start := time.Now()
		client.Run(ctx)

		if ctx.Err() != nil {
			return
		}

		// A Run that returns almost immediately after starting is treated
		// as a failure for breaker accounting; a Run that ran for a while
		// before exiting (e.g. rebalance-triggered drain) is not.
		if time.Since(start) < st.breaker.window/10 {
			st.breaker.recordFailure()
			if st.breaker.open() {
				s.bus.Publish(telemetry.Event{
					Kind:      telemetry.KindDegraded,
					Component: shardLabel(st.assignment.Index),
					Fields:    map[string]interface{}{"reason": "circuit_open"},
				})
			}
		} else {
			st.breaker.recordSuccess()
		}
	}
}

// Rebalance computes a minimal diff against the running shard set and
// drains clients for indices absent from the new plan, starting new ones
// for additions. Existing indices are left untouched.
func (s *Supervisor) Rebalance(ctx context.Context, plan config.ShardPlan) {
	want := make(map[int]config.ShardAssignment, len(plan.Shards))
	for _, a := range plan.Shards {
		want[a.Index] = a
	}

	s.mu.Lock()
	var toDrain []*shardState
	for idx, st := range s.shards {
		if _, ok := want[idx]; !ok {
			toDrain = append(toDrain, st)
			delete(s.shards, idx)
		}
	}
	var toStart []config.ShardAssignment
	for idx, a := range want {
		if _, ok := s.shards[idx]; !ok {
			toStart = append(toStart, a)
		}
	}
	s.mu.Unlock()

	for _, st := range toDrain {
		st.cancel()
	}
	for _, a := range toStart {
		s.startShard(ctx, a)
	}
}

// Stop cancels every shard and waits for supervised goroutines to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func shardLabel(index int) string {
	return "shard:" + strconv.Itoa(index)
}
