// Package signal provides signal source implementations. The scheduler only
// sees core.ISignalSource; what stands behind it is interchangeable.
package signal

import (
	"context"
	"sync"

	"perp_trader/internal/core"

	"github.com/shopspring/decimal"
)

// StaticSource serves pre-scripted signals per symbol. Paper runs and tests
// use it to drive the pipeline deterministically; scripts can be swapped
// between cycles. Symbols with a snapshot but no script receive a Hold so
// every symbol shows up in the cycle report.
type StaticSource struct {
	mu      sync.RWMutex
	scripts map[string]*core.Signal
	err     error
	calls   int
}

var _ core.ISignalSource = (*StaticSource)(nil)

func NewStaticSource() *StaticSource {
	return &StaticSource{scripts: make(map[string]*core.Signal)}
}

// Set scripts the signal returned for a symbol on subsequent cycles.
func (s *StaticSource) Set(symbol string, sig *core.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig == nil {
		delete(s.scripts, symbol)
		return
	}
	cp := *sig
	cp.Symbol = symbol
	s.scripts[symbol] = &cp
}

// SetError makes every subsequent GenerateSignals call fail.
func (s *StaticSource) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many times GenerateSignals ran.
func (s *StaticSource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// GenerateSignals returns one signal per snapshotted symbol: the script if
// one is set, otherwise Hold. Results are copies; callers may mutate them.
func (s *StaticSource) GenerateSignals(ctx context.Context, snapshots map[string]*core.Snapshot, capitalCHF decimal.Decimal, positions []*core.Position) (map[string]*core.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls++
	err := s.err
	scripts := make(map[string]*core.Signal, len(s.scripts))
	for sym, sig := range s.scripts {
		scripts[sym] = sig
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	out := make(map[string]*core.Signal, len(snapshots))
	for symbol := range snapshots {
		if scripted, ok := scripts[symbol]; ok {
			cp := *scripted
			out[symbol] = &cp
			continue
		}
		out[symbol] = &core.Signal{
			Symbol:     symbol,
			Decision:   core.DecisionHold,
			Confidence: 1,
			Reasoning:  "no scripted signal",
		}
	}
	return out, nil
}
