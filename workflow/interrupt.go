package workflow

import (
	"fmt"
	"time"
)

// InterruptState is what an interrupt sees at a step boundary. Both values
// are measured from the start of the current Execute call.
type InterruptState struct {
	Elapsed    time.Duration
	TokensUsed int
	Path       string
	NextStep   string
}

// ExecutionInterrupt is checked before each step. Interrupts are cooperative:
// a running step is never cancelled, the loop stops at the next boundary.
type ExecutionInterrupt interface {
	Name() string
	ShouldInterrupt(state InterruptState) (bool, string)
}

// SoftTimeoutInterrupt trips once an Execute call has run longer than
// Timeout.
type SoftTimeoutInterrupt struct {
	Timeout time.Duration
}

// NewSoftTimeoutInterrupt creates a soft timeout.
func NewSoftTimeoutInterrupt(d time.Duration) *SoftTimeoutInterrupt {
	return &SoftTimeoutInterrupt{Timeout: d}
}

func (i *SoftTimeoutInterrupt) Name() string { return "soft_timeout" }

func (i *SoftTimeoutInterrupt) ShouldInterrupt(state InterruptState) (bool, string) {
	if i.Timeout <= 0 || state.Elapsed < i.Timeout {
		return false, ""
	}
	return true, fmt.Sprintf("execution time %s exceeded soft timeout %s", state.Elapsed.Round(time.Millisecond), i.Timeout)
}

// SoftTokenLimitInterrupt trips once the tokens consumed during an Execute
// call reach Limit.
type SoftTokenLimitInterrupt struct {
	Limit int
}

// NewSoftTokenLimitInterrupt creates a soft token budget.
func NewSoftTokenLimitInterrupt(limit int) *SoftTokenLimitInterrupt {
	return &SoftTokenLimitInterrupt{Limit: limit}
}

func (i *SoftTokenLimitInterrupt) Name() string { return "soft_token_limit" }

func (i *SoftTokenLimitInterrupt) ShouldInterrupt(state InterruptState) (bool, string) {
	if i.Limit <= 0 || state.TokensUsed < i.Limit {
		return false, ""
	}
	return true, fmt.Sprintf("%d tokens used, limit is %d", state.TokensUsed, i.Limit)
}

// checkInterrupts returns the first tripped interrupt as a status.
func checkInterrupts(interrupts []ExecutionInterrupt, state InterruptState) *InterruptedExecutionStatus {
	for _, in := range interrupts {
		if in == nil {
			continue
		}
		if hit, reason := in.ShouldInterrupt(state); hit {
			return &InterruptedExecutionStatus{
				statusBase: statusBase{path: state.Path},
				Interrupt:  in.Name(),
				Reason:     reason,
			}
		}
	}
	return nil
}
