// Package breaker isolates a failing backend. After FailureThreshold
// consecutive failures the breaker opens and rejects calls until Timeout has
// passed, then lets trial calls through; SuccessThreshold successes close it
// again and any trial failure reopens it.
package breaker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/infra/clock"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("breaker: open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration

	// Clock defaults to the system clock.
	Clock clock.Clock
	// OnChange is called outside the breaker lock after every transition.
	OnChange func(name string, from, to State, cause error)
}

func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type Breaker struct {
	cfg Config
	log *logrus.Entry

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastErr     error
}

func New(cfg Config) *Breaker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"component": "breaker", "name": cfg.Name}),
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case Closed, HalfOpen:
		b.mu.Unlock()
		return true
	}
	if b.cfg.Clock.Now().Sub(b.lastFailure) < b.cfg.Timeout {
		b.mu.Unlock()
		return false
	}
	b.successes = 0
	notify := b.transition(HalfOpen, nil)
	b.mu.Unlock()
	notify()
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case Closed:
		b.failures = 0
		b.lastErr = nil
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.lastErr = nil
			notify = b.transition(Closed, nil)
		}
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	b.lastFailure = b.cfg.Clock.Now()
	b.lastErr = err
	notify := func() {}
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			notify = b.transition(Open, err)
		}
	case HalfOpen:
		b.successes = 0
		notify = b.transition(Open, err)
	}
	b.mu.Unlock()
	notify()
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.Failure(err)
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastError is the most recent failure, cleared by the next success.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Breaker) Name() string { return b.cfg.Name }

// Trip forces the breaker open, e.g. when a backend could not be reached
// at startup.
func (b *Breaker) Trip(err error) {
	b.mu.Lock()
	b.lastFailure = b.cfg.Clock.Now()
	b.lastErr = err
	notify := func() {}
	if b.state != Open {
		notify = b.transition(Open, err)
	}
	b.mu.Unlock()
	notify()
}

// transition must be called with b.mu held; the returned func runs the
// callback after unlock.
func (b *Breaker) transition(to State, cause error) func() {
	from := b.state
	b.state = to
	entry := b.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()})
	if cause != nil {
		entry.WithError(cause).Warn("breaker state changed")
	} else {
		entry.Info("breaker state changed")
	}
	cb := b.cfg.OnChange
	name := b.cfg.Name
	return func() {
		if cb != nil {
			cb(name, from, to, cause)
		}
	}
}
