package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/aura-webinar/recording-sync/internal/models"
)

func fastOptions() Options {
	return Options{Concurrency: 2, PollInterval: 10 * time.Millisecond, HealthInterval: 10 * time.Millisecond, MaxIdle: time.Hour}
}

func runPool(t *testing.T, p *Pool) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	t.Cleanup(stop)
	return stop, errc
}

func TestPoolUploadsQueuedRecordings(t *testing.T) {
	h := newHarness(t)
	a := h.queued(t, "a.mp4", "aaaa")
	b := h.queued(t, "b.mp4", "bbbbbb")
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)

	cancel, done := runPool(t, p)
	require.Eventually(t, func() bool {
		return h.ledger.Get(a.ID).UploadStatus == models.UploadStatusUploaded &&
			h.ledger.Get(b.ID).UploadStatus == models.UploadStatusUploaded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	st := p.Status()
	assert.False(t, st.Running)
	assert.Equal(t, int64(2), st.Processed)
	assert.Equal(t, int64(2), st.Successful)
	assert.Equal(t, 100.0, st.SuccessRate)
}

func TestPoolRecoversPanics(t *testing.T) {
	h := newHarness(t)
	rec := h.queued(t, "a.mp4", "data")
	h.objects.PutHook = func(string) { panic("boom") }
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)

	cancel, done := runPool(t, p)
	require.Eventually(t, func() bool {
		return h.ledger.Get(rec.ID).UploadAttempts == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := h.ledger.Get(rec.ID)
	assert.Equal(t, models.UploadStatusQueued, got.UploadStatus)
	assert.Equal(t, models.ErrorCodeUnknown, got.UploadErrorCode)
	assert.Equal(t, int64(1), p.Status().Failed)
}

func TestPoolPauseResume(t *testing.T) {
	h := newHarness(t)
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)
	p.Pause()
	rec := h.queued(t, "a.mp4", "data")

	cancel, done := runPool(t, p)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.UploadStatusQueued, h.ledger.Get(rec.ID).UploadStatus)
	assert.True(t, p.Status().Paused)

	p.Resume()
	require.Eventually(t, func() bool {
		return h.ledger.Get(rec.ID).UploadStatus == models.UploadStatusUploaded
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPoolShutdownDrainsInFlight(t *testing.T) {
	h := newHarness(t)
	rec := h.queued(t, "a.mp4", "data")
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.objects.PutHook = func(string) {
		once.Do(func() { close(started) })
		<-release
	}
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)
	_, done := runPool(t, p)
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- p.Shutdown(context.Background()) }()
	select {
	case <-shutdown:
		t.Fatal("shutdown returned before the in-flight upload finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdown)
	require.NoError(t, <-done)
	assert.Equal(t, models.UploadStatusUploaded, h.ledger.Get(rec.ID).UploadStatus)
}

func TestPoolShutdownTimeout(t *testing.T) {
	h := newHarness(t)
	h.queued(t, "a.mp4", "data")
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	h.objects.PutHook = func(string) {
		close(started)
		<-release
	}
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)
	runPool(t, p)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

type chanWake chan struct{}

func (c chanWake) Subscribe(context.Context) <-chan struct{} { return c }

func TestPoolWakesOnSignal(t *testing.T) {
	h := newHarness(t)
	wake := make(chanWake, 1)
	opts := fastOptions()
	opts.PollInterval = time.Hour
	p := NewPool(h.coord, h.proc, wake, opts, nil)

	cancel, done := runPool(t, p)
	require.Eventually(t, func() bool { return p.Status().Running }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	rec := h.queued(t, "a.mp4", "data")
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		return h.ledger.Get(rec.ID).UploadStatus == models.UploadStatusUploaded
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPoolRunTwice(t *testing.T) {
	h := newHarness(t)
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)
	cancel, done := runPool(t, p)
	require.Eventually(t, func() bool { return p.Status().Running }, time.Second, 5*time.Millisecond)
	assert.Error(t, p.Run(context.Background()))
	cancel()
	require.NoError(t, <-done)
}

func TestPoolServeNotRestartedAfterShutdown(t *testing.T) {
	h := newHarness(t)
	p := NewPool(h.coord, h.proc, nil, fastOptions(), nil)
	errc := make(chan error, 1)
	go func() { errc <- p.Serve(context.Background()) }()
	require.Eventually(t, func() bool { return !p.Status().StartedAt.IsZero() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errc, suture.ErrDoNotRestart)
}
