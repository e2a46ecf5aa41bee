package recovery

import (
	"context"
	"sync"
	"time"
)

// Limits bound every adapted backoff policy.
type Limits struct {
	MaxRetries      uint32
	MaxDelay        time.Duration
	MinInitialDelay time.Duration
}

// Policies holds the backoff parameters of the retryable kinds.
type Policies struct {
	Network      BackoffPolicy
	Timeout      BackoffPolicy
	Server       BackoffPolicy
	UnknownDelay time.Duration
	Limits       Limits
}

// DefaultPolicies returns the default retry parameters: Network 5, Timeout 3
// and Server 3 retries.
func DefaultPolicies() Policies {
	base := BackoffPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       0.2,
	}

	network := base
	network.MaxRetries = 5
	timeout := base
	timeout.MaxRetries = 3
	server := base
	server.InitialDelay = time.Second
	server.MaxRetries = 3

	return Policies{
		Network:      network,
		Timeout:      timeout,
		Server:       server,
		UnknownDelay: time.Second,
		Limits: Limits{
			MaxRetries:      10,
			MaxDelay:        2 * time.Minute,
			MinInitialDelay: 100 * time.Millisecond,
		},
	}
}

// Registry maps error kinds to recovery strategies. It is safe for concurrent
// use and may be changed while uploads are running.
type Registry struct {
	mu         sync.RWMutex
	strategies map[ErrorKind]Strategy
	fallback   Strategy
}

// NewRegistry creates an empty registry; kinds without a strategy escalate.
func NewRegistry() *Registry {
	return &Registry{
		strategies: map[ErrorKind]Strategy{},
		fallback: StrategyFunc(func(context.Context, *ClassifiedError) Decision {
			return Escalate("unregistered")
		}),
	}
}

// DefaultRegistry creates a registry with the default strategy per kind.
// When quality is not nil, backoff parameters adapt to observed network
// quality within policies.Limits.
func DefaultRegistry(policies Policies, quality *Quality) *Registry {
	r := NewRegistry()
	r.Set(Network, &Backoff{Name: "network_backoff", Policy: policies.Network, Quality: quality, Limits: policies.Limits})
	r.Set(Timeout, &Backoff{Name: "timeout_backoff", Policy: policies.Timeout, Quality: quality, Limits: policies.Limits})
	r.Set(Server, &Backoff{Name: "server_backoff", Policy: policies.Server, Quality: quality, Limits: policies.Limits})
	r.Set(ClientRejected, AbortStrategy{})
	r.Set(Permission, AbortStrategy{})
	r.Set(Storage, AbortStrategy{})
	r.Set(Cancelled, AbortStrategy{})
	r.Set(Unknown, RetryOnceThenEscalate{Delay: policies.UnknownDelay})
	return r
}

// Set registers or replaces the strategy for kind.
func (r *Registry) Set(kind ErrorKind, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[kind] = s
}

// Get returns the strategy registered for kind.
func (r *Registry) Get(kind ErrorKind) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	return s, ok
}

// Decide runs the strategy registered for err.Kind.
func (r *Registry) Decide(ctx context.Context, err *ClassifiedError) Decision {
	s, ok := r.Get(err.Kind)
	if !ok {
		s = r.fallback
	}
	return s.Decide(ctx, err)
}
