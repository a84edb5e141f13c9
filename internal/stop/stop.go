// Package stop coordinates shutting down symmetryhub's independent
// components (the peer transport listener, the HTTP front door, the
// metrics server) as a single unit.
package stop

import (
	"sync"
	"time"

	"github.com/symmetry-network/hub/internal/log"
)

var logger = log.NewScoped("stop")

// Channel is used to return zero or more errors asynchronously. Call Done()
// once to pass errors to the Channel.
type Channel chan []error

// Result is a receive-only version of Channel. Call Wait() once to receive
// any returned errors.
type Result <-chan []error

// Done adds zero or more errors to the Channel and closes it, indicating
// the caller has finished stopping. It should be called exactly once.
func (ch Channel) Done(errs ...error) {
	if len(errs) > 0 && errs[0] != nil {
		ch <- errs
	}
	close(ch)
}

// Result converts a Channel to a Result.
func (ch Channel) Result() <-chan []error {
	return ch
}

// Wait blocks until Done() is called on the underlying Channel and returns
// any errors. It should be called exactly once.
func (r Result) Wait() []error {
	return <-r
}

// Stopper is anything symmetryhub's shutdown sequence can stop cleanly.
type Stopper interface {
	// Stop returns immediately and performs the actual shutdown on a
	// separate goroutine, signaling completion by closing the returned
	// channel or sending it errors.
	Stop() Result
}

// Func is a stop function added to a Group directly with AddFunc, for
// components (like the peer transport listener) that don't implement
// Stopper.
type Func func() Result

// Group stops every component added to it concurrently and collects
// whatever errors come back.
type Group struct {
	stoppables []Func
	sync.Mutex
}

// NewGroup allocates a new Group.
func NewGroup() *Group {
	return &Group{
		stoppables: make([]Func, 0),
	}
}

// Add appends a Stopper to the Group.
func (g *Group) Add(toAdd Stopper) {
	g.Lock()
	defer g.Unlock()

	g.stoppables = append(g.stoppables, toAdd.Stop)
}

// AddFunc appends a Func to the Group.
func (g *Group) AddFunc(toAddFunc Func) {
	g.Lock()
	defer g.Unlock()

	g.stoppables = append(g.stoppables, toAddFunc)
}

// Stop stops every member of the Group concurrently and returns a Result
// that resolves once they have all finished, carrying every error any of
// them reported.
func (g *Group) Stop() Result {
	g.Lock()
	defer g.Unlock()

	whenDone := make(Channel)

	waitChannels := make([]Result, 0, len(g.stoppables))
	for _, toStop := range g.stoppables {
		waitFor := toStop()
		if waitFor == nil {
			panic("stop: received a nil Result from Stop")
		}
		waitChannels = append(waitChannels, waitFor)
	}

	go func() {
		var errs []error
		for _, waitForMe := range waitChannels {
			if childErrs := waitForMe.Wait(); len(childErrs) > 0 {
				errs = append(errs, childErrs...)
			}
		}
		whenDone.Done(errs...)
	}()

	return whenDone.Result()
}

// StopWithTimeout behaves like Stop, but gives up waiting once timeout
// elapses instead of blocking on a component that never reports back. The
// hub runs its peer transport, HTTP front door and metrics server as
// independent Stoppers; one wedged shutdown shouldn't hold the process open
// forever. On timeout a single warning is logged (it does not name the
// members that failed to report) and their eventual result, if any, is
// discarded.
func (g *Group) StopWithTimeout(timeout time.Duration) Result {
	result := g.Stop()
	out := make(Channel)

	go func() {
		select {
		case errs := <-result:
			out.Done(errs...)
		case <-time.After(timeout):
			logger.Warn("shutdown group did not report within timeout", log.Fields{"timeout": timeout.String()})
			out.Done()
		}
	}()

	return out.Result()
}
