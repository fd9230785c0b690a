// Package balancer selects one replica among several for read traffic.
package balancer

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// Strategy names a selection algorithm.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	Weighted         Strategy = "weighted"
	LeastConnections Strategy = "least_connections"
	ResponseTime     Strategy = "response_time"
	HealthAware      Strategy = "health_aware"
)

var validStrategies = map[Strategy]bool{
	RoundRobin:       true,
	Weighted:         true,
	LeastConnections: true,
	ResponseTime:     true,
	HealthAware:      true,
}

// ErrNoReplicas is returned when Select is called with an empty replica list.
var ErrNoReplicas = errors.New("no replicas available")

// Replica is the view of one replica the balancer selects over.
type Replica interface {
	ID() string
	ActiveConnections() int
	MaxConnections() int
	AvgResponseTime() float64 // milliseconds
}

// Options tunes a single selection.
type Options struct {
	Weights         map[string]float64
	HealthThreshold float64
}

// Stats reports selection counts per strategy.
type Stats struct {
	Strategy   Strategy           `json:"strategy"`
	Selections map[Strategy]int64 `json:"selections"`
}

// Balancer is a selector whose only state is its round-robin cursor, its
// random source and its per-strategy selection counts.
type Balancer struct {
	mu         sync.Mutex
	strategy   Strategy
	cursor     int
	rnd        *rand.Rand
	selections map[Strategy]int64
}

func New(strategy Strategy) (*Balancer, error) {
	if strategy == "" {
		strategy = RoundRobin
	}
	if !validStrategies[strategy] {
		return nil, fmt.Errorf("unknown load balancing strategy %q", strategy)
	}
	return &Balancer{
		strategy:   strategy,
		rnd:        rand.New(rand.NewSource(rand.Int63())),
		selections: make(map[Strategy]int64),
	}, nil
}

// SetStrategy switches the selection algorithm.
func (b *Balancer) SetStrategy(s Strategy) error {
	if !validStrategies[s] {
		return fmt.Errorf("unknown load balancing strategy %q", s)
	}
	b.mu.Lock()
	b.strategy = s
	b.mu.Unlock()
	return nil
}

// Strategy returns the current strategy.
func (b *Balancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// Stats returns selection counters.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Strategy]int64, len(b.selections))
	for k, v := range b.selections {
		out[k] = v
	}
	return Stats{Strategy: b.strategy, Selections: out}
}

// Select picks a replica index. An empty list is an error; a single replica
// short-circuits without consulting the strategy.
func (b *Balancer) Select(replicas []Replica, opts Options) (int, error) {
	if len(replicas) == 0 {
		return 0, ErrNoReplicas
	}
	if len(replicas) == 1 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var idx int
	switch b.strategy {
	case RoundRobin:
		idx = b.roundRobin(len(replicas))
	case Weighted:
		idx = b.weighted(replicas, opts.Weights)
	case LeastConnections:
		idx = leastConnections(replicas)
	case ResponseTime:
		idx = responseTime(replicas)
	case HealthAware:
		idx = healthAware(replicas, opts)
	default:
		idx = b.roundRobin(len(replicas))
	}
	b.selections[b.strategy]++
	return idx, nil
}

func (b *Balancer) roundRobin(n int) int {
	idx := b.cursor % n
	b.cursor = (b.cursor + 1) % n
	return idx
}

func (b *Balancer) weighted(replicas []Replica, weights map[string]float64) int {
	total := 0.0
	perReplica := make([]float64, len(replicas))
	for i, r := range replicas {
		w, ok := weights[replicaID(r, i)]
		if !ok || w <= 0 {
			continue
		}
		perReplica[i] = w
		total += w
	}
	if total <= 0 {
		return b.roundRobin(len(replicas))
	}

	draw := b.rnd.Float64() * total
	for i, w := range perReplica {
		draw -= w
		if draw < 0 {
			return i
		}
	}
	return len(replicas) - 1
}

func leastConnections(replicas []Replica) int {
	best := 0
	for i := 1; i < len(replicas); i++ {
		if replicas[i].ActiveConnections() < replicas[best].ActiveConnections() {
			best = i
		}
	}
	return best
}

func responseTime(replicas []Replica) int {
	best := 0
	for i := 1; i < len(replicas); i++ {
		if replicas[i].AvgResponseTime() < replicas[best].AvgResponseTime() {
			best = i
		}
	}
	return best
}

func healthAware(replicas []Replica, opts Options) int {
	best := 0
	bestScore := -1.0
	for i, r := range replicas {
		score := healthScore(r, opts, i)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}

func healthScore(r Replica, opts Options, index int) float64 {
	maxConns := r.MaxConnections()
	if maxConns <= 0 {
		maxConns = 1
	}
	loadPenalty := float64(r.ActiveConnections()) / float64(maxConns) * 30
	latencyPenalty := r.AvgResponseTime() / 10
	if latencyPenalty > 50 {
		latencyPenalty = 50
	}
	score := 100 - loadPenalty - latencyPenalty

	if w, ok := opts.Weights[replicaID(r, index)]; ok && w > 0 {
		score *= w
	}
	if opts.HealthThreshold > 0 && score < opts.HealthThreshold {
		score *= 0.1
	}
	return score
}

func replicaID(r Replica, index int) string {
	if id := r.ID(); id != "" {
		return id
	}
	return fmt.Sprintf("replica_%d", index)
}
