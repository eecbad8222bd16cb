package taskfsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type timerCtx struct {
	fires int
}

// timerSpec builds Idle <-> Running with a timeout on Running that
// falls back to Idle, reporting each fire on the given channel.
func timerSpec(t *testing.T, d time.Duration, fired chan<- struct{}) *Spec[timerCtx] {
	t.Helper()
	spec, err := NewModel[timerCtx]("Timed").
		Initial("Idle").
		Handle("start", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			return To("Running"), nil
		}, On("Start", "Idle"), Goto("Running")).
		Handle("finish", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			return To("Done"), nil
		}, On("Finish", "Running"), Goto("Done")).
		Handle("onStale", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			c.fires++
			if fired != nil {
				fired <- struct{}{}
			}
			return To("Idle"), nil
		}, AsTimeout(), Goto("Idle")).
		Timeout("Running", d, "onStale").
		Validate()
	require.NoError(t, err)
	return spec
}

func TestStateTimeoutFires(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fired := make(chan struct{}, 4)
	spec := timerSpec(t, 10*time.Millisecond, fired)
	ctx := context.Background()
	h, task := spec.Spawn(ctx, timerCtx{})

	require.NoError(t, h.Send(ctx, Event{ID: "Start"}))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}

	// One fire per visit: no spurious second timeout while Idle.
	select {
	case <-fired:
		t.Fatal("timeout fired twice for a single visit")
	case <-time.After(50 * time.Millisecond):
	}

	h.ShutdownGraceful()
	final, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, final.fires)
	assert.Equal(t, StateID("Idle"), h.CurrentState())
}

func TestTimeoutDisarmedByEvent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fired := make(chan struct{}, 4)
	spec := timerSpec(t, 250*time.Millisecond, fired)
	ctx := context.Background()
	h, task := spec.Spawn(ctx, timerCtx{})

	require.NoError(t, h.Send(ctx, Event{ID: "Start"}))
	require.NoError(t, h.Send(ctx, Event{ID: "Finish"}))
	h.ShutdownGraceful()

	final, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, final.fires)
	assert.Equal(t, StateID("Done"), h.CurrentState())

	select {
	case <-fired:
		t.Fatal("disarmed timer fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestTimeoutFiresOncePerVisit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fired := make(chan struct{}, 4)
	spec := timerSpec(t, 10*time.Millisecond, fired)
	ctx := context.Background()
	h, task := spec.Spawn(ctx, timerCtx{})

	require.NoError(t, h.Send(ctx, Event{ID: "Start"}))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("first visit did not time out")
	}

	// Re-entering the state arms the same timer again.
	require.NoError(t, h.Send(ctx, Event{ID: "Start"}))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("second visit did not time out")
	}

	h.ShutdownGraceful()
	final, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, final.fires)
}

func TestZeroTimeoutFiresBeforeEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	spec, err := NewModel[timerCtx]("Immediate").
		Initial("Hot").
		Handle("poke", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			c.fires = -1
			return To("Hot"), nil
		}, On("Poke", "Hot"), Goto("Hot")).
		Handle("cool", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			c.fires++
			return End("Cold"), nil
		}, AsTimeout(), Goto("Cold")).
		Timeout("Hot", 0, "cool").
		Validate()
	require.NoError(t, err)

	ctx := context.Background()
	h, task := spec.Spawn(ctx, timerCtx{})

	// A zero timeout wins over any queued event: the poke either never
	// gets in or arrives after the machine left Hot.
	_ = h.TrySend(Event{ID: "Poke"})

	final, werr := task.Wait(ctx)
	require.NoError(t, werr)
	assert.Equal(t, 1, final.fires)
	assert.Equal(t, StateID("Cold"), h.CurrentState())
}

func TestInitialStateTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	spec, err := NewModel[timerCtx]("Boot").
		Initial("Waiting").
		Handle("go", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			return To("Ready"), nil
		}, On("Go", "Waiting"), Goto("Ready")).
		Handle("giveUp", func(ctx context.Context, c *timerCtx, ev Event) (Transition, error) {
			c.fires++
			return End("Expired"), nil
		}, AsTimeout(), Goto("Expired")).
		Timeout("Waiting", 10*time.Millisecond, "giveUp").
		Validate()
	require.NoError(t, err)

	// Spawn arms the initial-state timeout; with no events at all the
	// machine expires on its own.
	ctx := context.Background()
	h, task := spec.Spawn(ctx, timerCtx{})
	final, werr := task.Wait(ctx)
	require.NoError(t, werr)
	assert.Equal(t, 1, final.fires)
	assert.Equal(t, StateID("Expired"), h.CurrentState())
}
