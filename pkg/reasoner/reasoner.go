// Package reasoner defines the abstract LLM invocation boundary stage agents call
// through (spec §2 Non-goals: "Large-language-model invocations and prompt design
// for individual agents" are explicitly out of scope; the orchestrator only calls an
// abstract Reasoner). Concrete backends live in subpackages (pkg/reasoner/anthropic,
// pkg/reasoner/langchain); every call goes through a sony/gobreaker circuit breaker
// so a wedged external model service degrades the affected work type's throughput
// instead of exhausting worker goroutines blocked on it.
package reasoner

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Request is one reasoning call: a prompt plus free-form parameters a concrete
// backend interprets (model name, temperature, max tokens -- kept as a map so this
// interface doesn't grow a field per backend capability).
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Params       map[string]any
}

// Response is a reasoning call's structured result.
type Response struct {
	Text       string
	TokensUsed int
	Raw        map[string]any
}

// Reasoner is the capability interface stage agents depend on (spec §9 Design
// Notes: "agents depend only on small capability interfaces"). Stage agents never
// import a concrete backend package directly.
type Reasoner interface {
	Reason(ctx context.Context, req Request) (Response, error)
}

// Breaker wraps a Reasoner with a circuit breaker, tripping after a run of
// consecutive failures so a stuck upstream model API fails fast instead of piling
// up blocked worker goroutines (grounded on the teacher's gobreaker use around its
// own external dependency calls).
type Breaker struct {
	inner Reasoner
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner with a circuit breaker named name, tripping after
// maxConsecutiveFailures and resetting to half-open after openDuration.
func NewBreaker(name string, inner Reasoner, maxConsecutiveFailures uint32, openDuration time.Duration) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveFailures
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

func (b *Breaker) Reason(ctx context.Context, req Request) (Response, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.inner.Reason(ctx, req)
	})
	if err != nil {
		return Response{}, err
	}
	return result.(Response), nil
}
