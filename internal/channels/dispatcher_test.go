package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel — канал с программируемым поведением для тестов диспетчера.
type fakeChannel struct {
	name    string
	enabled bool
	send    func(ctx context.Context) error
	calls   int
}

func (f *fakeChannel) Name() string  { return f.name }
func (f *fakeChannel) Enabled() bool { return f.enabled }
func (f *fakeChannel) Send(ctx context.Context, _ Payload) error {
	f.calls++
	return f.send(ctx)
}
func (f *fakeChannel) Test(ctx context.Context) error {
	f.calls++
	return f.send(ctx)
}

func okChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, enabled: true, send: func(context.Context) error { return nil }}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	failing := &fakeChannel{name: "failing", enabled: true, send: func(context.Context) error {
		return errors.New("boom")
	}}
	ok := okChannel("ok")

	d := NewDispatcher(zerolog.Nop(), time.Second, failing, ok)
	results := d.Dispatch(context.Background(), Assigned{RequestNumber: "REQ-1", Title: "t"})

	assert.Equal(t, map[string]bool{"failing": false, "ok": true}, results)
}

func TestDispatchTimeoutDoesNotStallOthers(t *testing.T) {
	slow := &fakeChannel{name: "slow", enabled: true, send: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	ok := okChannel("ok")

	d := NewDispatcher(zerolog.Nop(), 50*time.Millisecond, slow, ok)

	start := time.Now()
	results := d.Dispatch(context.Background(), Completed{RequestNumber: "REQ-2", Title: "t"})
	elapsed := time.Since(start)

	assert.Equal(t, map[string]bool{"slow": false, "ok": true}, results)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDispatchRecoversPanic(t *testing.T) {
	panicking := &fakeChannel{name: "panicking", enabled: true, send: func(context.Context) error {
		panic("channel bug")
	}}
	ok := okChannel("ok")

	d := NewDispatcher(zerolog.Nop(), time.Second, panicking, ok)

	var results map[string]bool
	require.NotPanics(t, func() {
		results = d.Dispatch(context.Background(), Cancelled{RequestNumber: "REQ-3", Title: "t"})
	})
	assert.Equal(t, map[string]bool{"panicking": false, "ok": true}, results)
}

func TestDispatchSkipsDisabledChannels(t *testing.T) {
	disabled := &fakeChannel{name: "disabled", enabled: false, send: func(context.Context) error {
		t.Fatal("disabled channel must not be called")
		return nil
	}}
	ok := okChannel("ok")

	d := NewDispatcher(zerolog.Nop(), time.Second, disabled, ok)
	results := d.Dispatch(context.Background(), NewRequest{RequestNumber: "REQ-4", Title: "t"})

	assert.Equal(t, map[string]bool{"disabled": false, "ok": true}, results)
	assert.Zero(t, disabled.calls)
}

func TestTestAllProbesEveryChannel(t *testing.T) {
	a := okChannel("a")
	b := &fakeChannel{name: "b", enabled: true, send: func(context.Context) error {
		return errors.New("unreachable")
	}}
	c := &fakeChannel{name: "c", enabled: false, send: func(context.Context) error { return nil }}

	d := NewDispatcher(zerolog.Nop(), time.Second, a, b, c)
	results := d.TestAll(context.Background())

	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": false}, results)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
