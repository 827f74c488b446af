package stomp

import (
	"fmt"
	"math/rand"
	"time"
)

// Broker is a single connect candidate.
type Broker struct {
	Scheme string // tcp, ssl, ws or wss
	Host   string
	Port   int
}

// Address returns the host:port pair for dialing.
func (b Broker) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

func (b Broker) String() string {
	return fmt.Sprintf("%s://%s:%d", b.Scheme, b.Host, b.Port)
}

// FailoverOptions is the retry policy applied across the broker
// candidate list. The defaults mirror the common failover transport
// settings.
type FailoverOptions struct {
	// InitialReconnectDelay is the delay before the second attempt.
	// The first attempt is always immediate.
	InitialReconnectDelay time.Duration
	// MaxReconnectDelay caps the per-attempt delay.
	MaxReconnectDelay time.Duration
	// UseExponentialBackOff grows the delay by BackOffMultiplier
	// after every failed attempt.
	UseExponentialBackOff bool
	BackOffMultiplier     float64
	// MaxReconnectAttempts bounds the number of retries after the
	// initial attempt. Negative means retry forever.
	MaxReconnectAttempts int
	// Randomize shuffles the candidate order once per sequence.
	Randomize bool
}

// DefaultFailoverOptions returns the stock retry policy.
func DefaultFailoverOptions() FailoverOptions {
	return FailoverOptions{
		InitialReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay:     30 * time.Second,
		UseExponentialBackOff: true,
		BackOffMultiplier:     2.0,
		MaxReconnectAttempts:  -1,
	}
}

// failover produces, per connect attempt, a lazy sequence of
// (candidate, delay-before-attempt) pairs.
type failover struct {
	brokers []Broker
	opts    FailoverOptions
}

func newFailover(brokers []Broker, opts FailoverOptions) *failover {
	return &failover{brokers: brokers, opts: opts}
}

// sequence returns a restartable, forward-only iterator. Each call
// yields the next candidate and the time to wait before attempting
// it; ok is false once the policy is exhausted.
func (f *failover) sequence() func() (broker Broker, delay time.Duration, ok bool) {
	brokers := append([]Broker(nil), f.brokers...)
	if f.opts.Randomize {
		rand.Shuffle(len(brokers), func(i, j int) {
			brokers[i], brokers[j] = brokers[j], brokers[i]
		})
	}

	attempt := 0
	delay := f.opts.InitialReconnectDelay
	return func() (Broker, time.Duration, bool) {
		if len(brokers) == 0 {
			return Broker{}, 0, false
		}
		if f.opts.MaxReconnectAttempts >= 0 && attempt > f.opts.MaxReconnectAttempts {
			return Broker{}, 0, false
		}

		broker := brokers[attempt%len(brokers)]
		var wait time.Duration
		if attempt > 0 {
			wait = delay
			if f.opts.UseExponentialBackOff {
				delay = time.Duration(float64(delay) * f.opts.BackOffMultiplier)
			}
			if f.opts.MaxReconnectDelay > 0 && delay > f.opts.MaxReconnectDelay {
				delay = f.opts.MaxReconnectDelay
			}
			if f.opts.MaxReconnectDelay > 0 && wait > f.opts.MaxReconnectDelay {
				wait = f.opts.MaxReconnectDelay
			}
		}
		attempt++
		return broker, wait, true
	}
}
