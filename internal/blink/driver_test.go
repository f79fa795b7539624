package blink

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flashsync/internal/command"
	"github.com/banshee-data/flashsync/internal/monitoring"
	"github.com/banshee-data/flashsync/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(cmd command.Command) error { return f.SendN(cmd, 1) }

func (f *fakeSender) SendN(cmd command.Command, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for i := 0; i < n; i++ {
		f.sent = append(f.sent, cmd.String())
	}
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestDriver_ToggleAlternatesAndPublishes(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(10, 0))
	sender := &fakeSender{}
	d := NewDriver(DriverConfig{Sender: sender, Clock: clock, StartOn: true})

	_, ok := d.LastEdge()
	assert.False(t, ok)

	e1, ok := d.Toggle()
	require.True(t, ok)
	assert.True(t, e1.On)
	assert.Equal(t, time.Unix(10, 0), e1.At)

	clock.Advance(d.HalfPeriod())
	e2, _ := d.Toggle()
	assert.False(t, e2.On)
	assert.Equal(t, e1.Seq+1, e2.Seq)

	last, ok := d.LastEdge()
	require.True(t, ok)
	assert.Equal(t, e2, last)
	assert.Equal(t, []string{"ON", "OFF"}, sender.Sent())
}

func TestDriver_FailedSendPublishesNothing(t *testing.T) {
	sender := &fakeSender{err: errors.New("unreachable")}
	d := NewDriver(DriverConfig{Sender: sender, Clock: timeutil.NewMockClock(time.Unix(0, 0))})

	_, ok := d.Toggle()
	assert.False(t, ok)
	_, ok = d.LastEdge()
	assert.False(t, ok)

	// The failed state is retried on the next toggle.
	sender.err = nil
	e, ok := d.Toggle()
	require.True(t, ok)
	assert.False(t, e.On)
}

func TestDriver_RunTogglesEveryHalfPeriod(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sender := &fakeSender{}
	d := NewDriver(DriverConfig{Sender: sender, Clock: clock, HalfPeriod: 50 * time.Millisecond, StartOn: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, time.Second, time.Millisecond)
	for want := 2; want <= 4; want++ {
		clock.Advance(50 * time.Millisecond)
		require.Eventually(t, func() bool { return len(sender.Sent()) == want }, time.Second, time.Millisecond)
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"ON", "OFF", "ON", "OFF", "OFF"}, sender.Sent())
}

func TestRemote_StartStop(t *testing.T) {
	sender := &fakeSender{}
	r := Remote{Sender: sender}

	require.NoError(t, r.Start(0, true))
	require.NoError(t, r.Stop())

	assert.Equal(t, []string{
		"START 250000 1", "START 250000 1", "START 250000 1",
		"STOP", "STOP",
	}, sender.Sent())
}

func TestSchedule_LastEdge(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(10, 0))
	sender := &fakeSender{}
	sched, err := Remote{Sender: sender}.Begin(clock, 20*time.Millisecond, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"START 20000 0", "START 20000 0", "START 20000 0"}, sender.Sent())

	e, ok := sched.LastEdge()
	require.True(t, ok)
	assert.Equal(t, Edge{At: time.Unix(10, 0), On: false, Seq: 1}, e)

	clock.Advance(45 * time.Millisecond)
	e, ok = sched.LastEdge()
	require.True(t, ok)
	assert.True(t, e.At.Equal(time.Unix(10, 0).Add(40*time.Millisecond)))
	assert.False(t, e.On)
	assert.Equal(t, uint64(3), e.Seq)

	// +55ms is still inside the third half period.
	clock.Advance(10 * time.Millisecond)
	e, _ = sched.LastEdge()
	assert.False(t, e.On)
	assert.Equal(t, uint64(3), e.Seq)

	clock.Advance(5 * time.Millisecond)
	e, _ = sched.LastEdge()
	assert.True(t, e.At.Equal(time.Unix(10, 0).Add(60*time.Millisecond)))
	assert.True(t, e.On)
	assert.Equal(t, uint64(4), e.Seq)

	_, ok = Schedule{Clock: clock, Start: clock.Now().Add(time.Second), HalfPeriod: time.Millisecond}.LastEdge()
	assert.False(t, ok)
}
