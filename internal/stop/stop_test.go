package stop

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stopperFunc func() Result

func (f stopperFunc) Stop() Result { return f() }

func TestGroupStopCollectsErrorsFromEveryMember(t *testing.T) {
	g := NewGroup()

	g.Add(stopperFunc(func() Result {
		ch := make(Channel)
		go ch.Done(errors.New("first failed"))
		return ch.Result()
	}))
	g.AddFunc(func() Result {
		ch := make(Channel)
		go ch.Done()
		return ch.Result()
	})
	g.Add(stopperFunc(func() Result {
		ch := make(Channel)
		go ch.Done(errors.New("second failed"))
		return ch.Result()
	}))

	errs := g.Stop().Wait()
	require.Len(t, errs, 2)
}

func TestStopWithTimeoutReturnsPromptlyWhenEveryMemberFinishes(t *testing.T) {
	g := NewGroup()
	g.AddFunc(func() Result {
		ch := make(Channel)
		go ch.Done()
		return ch.Result()
	})

	errs := g.StopWithTimeout(time.Second).Wait()
	require.Empty(t, errs)
}

func TestStopWithTimeoutGivesUpOnAWedgedMember(t *testing.T) {
	g := NewGroup()
	g.AddFunc(func() Result {
		ch := make(Channel)
		// never call ch.Done: simulates a component that never reports back.
		return ch.Result()
	})

	start := time.Now()
	errs := g.StopWithTimeout(20 * time.Millisecond).Wait()
	require.Empty(t, errs)
	require.Less(t, time.Since(start), time.Second)
}
