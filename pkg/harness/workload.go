package harness

import (
	"fmt"
	"math/rand"
)

// OpKind names a workload operation kind.
type OpKind int

const (
	OpAppend OpKind = iota
	OpRead
)

// Operation is one workload step.
type Operation struct {
	Kind  OpKind
	Key   string
	Value int64 // meaningful for OpAppend only
}

// WorkloadConfig configures the generator.
type WorkloadConfig struct {
	NumKeys     int
	AppendRatio float64 // fraction of ops that are Append vs Read
}

// DefaultWorkloadConfig returns a reasonable default for scenario tests.
func DefaultWorkloadConfig() WorkloadConfig {
	return WorkloadConfig{NumKeys: 3, AppendRatio: 0.8}
}

// WorkloadGenerator produces a deterministic operation sequence from a
// seeded RNG, so a run's random choices derive only from its configured
// seed. Append values are drawn from a monotonically increasing
// per-key counter so Elle can detect out-of-order appends.
type WorkloadGenerator struct {
	cfg     WorkloadConfig
	rng     *rand.Rand
	counter map[string]int64
}

// NewWorkloadGenerator creates a generator seeded deterministically.
func NewWorkloadGenerator(cfg WorkloadConfig, seed int64) *WorkloadGenerator {
	if cfg.NumKeys <= 0 {
		cfg.NumKeys = 1
	}
	return &WorkloadGenerator{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		counter: make(map[string]int64),
	}
}

func (g *WorkloadGenerator) keyFor(idx int) string {
	return fmt.Sprintf("k%d", idx)
}

// Next produces the next operation in the sequence.
func (g *WorkloadGenerator) Next() Operation {
	key := g.keyFor(g.rng.Intn(g.cfg.NumKeys))

	if g.rng.Float64() < g.cfg.AppendRatio {
		g.counter[key]++
		return Operation{Kind: OpAppend, Key: key, Value: g.counter[key]}
	}
	return Operation{Kind: OpRead, Key: key}
}

// Sequence produces n operations.
func (g *WorkloadGenerator) Sequence(n int) []Operation {
	ops := make([]Operation, n)
	for i := range ops {
		ops[i] = g.Next()
	}
	return ops
}
