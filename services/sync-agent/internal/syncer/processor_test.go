package syncer

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/apptsync/libs/appointment"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
)

func enqueueCreate(t *testing.T, h *harness, id, group string) localstore.PendingMutation {
	t.Helper()
	m, err := localstore.NewCreate(booked(id), group)
	require.NoError(t, err)
	m, err = h.store.Queue().Enqueue(context.Background(), m)
	require.NoError(t, err)
	return m
}

func queued(t *testing.T, h *harness) []string {
	t.Helper()
	items, err := h.store.Queue().DrainAll(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, m := range items {
		ids = append(ids, m.AppointmentID)
	}
	return ids
}

func startProcessor(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.proc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestOfflineThenOnlineReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{RetryInterval: time.Hour})

	one := booked("1")
	h.backend.seed(one)
	require.NoError(t, h.store.Records().Save(ctx, one))

	res, err := h.svc.UpdateStatus(ctx, "1", appointment.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, appointment.StatusConfirmed, res.Appointment.Status)

	res, err = h.svc.Create(ctx, booked("2"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 2, h.svc.Status(ctx).Pending)
	assert.Empty(t, h.backend.callLog())

	startProcessor(t, h)
	h.monitor.Set(connectivity.SignalNetwork, true)

	require.Eventually(t, func() bool {
		st := h.svc.Status(ctx)
		return st.Pending == 0 && !st.Processing
	}, 2*time.Second, 10*time.Millisecond)

	calls := h.backend.callLog()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, call{Op: "update", ID: "1"}, calls[0])
	assert.Equal(t, call{Op: "insert", ID: "2"}, calls[1])

	got, err := h.store.Records().Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
	assert.Equal(t, 0, h.svc.Status(ctx).Failed)
}

func TestQueueOrderingAllSucceed(t *testing.T) {
	h := newHarness(ProcessorConfig{})
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		enqueueCreate(t, h, id, "")
	}

	res := h.proc.Drain(context.Background())
	assert.Equal(t, PassResult{Applied: 5}, res)

	var inserted []string
	for _, c := range h.backend.callLog() {
		if c.Op == "insert" {
			inserted = append(inserted, c.ID)
		}
	}
	assert.Equal(t, ids, inserted)
	assert.Empty(t, queued(t, h))
}

func TestEmptyDrainMakesNoCalls(t *testing.T) {
	h := newHarness(ProcessorConfig{})
	res := h.proc.Drain(context.Background())
	assert.Equal(t, PassResult{}, res)
	assert.Empty(t, h.backend.callLog())
	assert.Equal(t, StateIdle, h.proc.State())
	assert.Empty(t, queued(t, h))
}

func TestTransientFailureRetainsRemainder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{MaxAttempts: 5})
	enqueueCreate(t, h, "a", "")
	enqueueCreate(t, h, "b", "")
	enqueueCreate(t, h, "c", "")
	h.backend.failWith("b", errNetwork)

	res := h.proc.Drain(ctx)
	assert.Equal(t, PassResult{Applied: 1, Retained: 2}, res)
	assert.Equal(t, []string{"b", "c"}, queued(t, h))

	items, err := h.store.Queue().DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "connection refused")

	res = h.proc.Drain(ctx)
	assert.Equal(t, PassResult{Applied: 2}, res)
	assert.Empty(t, queued(t, h))
}

func TestTimeoutIsTransient(t *testing.T) {
	h := newHarness(ProcessorConfig{ApplyTimeout: 20 * time.Millisecond})
	h.backend.block = make(chan struct{})
	enqueueCreate(t, h, "a", "")

	res := h.proc.Drain(context.Background())
	assert.Equal(t, PassResult{Retained: 1}, res)
	assert.Equal(t, []string{"a"}, queued(t, h))
}

func TestPermanentFailureDropsAndContinues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{})
	failures, unsubscribe := h.proc.SubscribeFailures()
	defer unsubscribe()

	enqueueCreate(t, h, "a", "")
	enqueueCreate(t, h, "b", "")
	enqueueCreate(t, h, "c", "")
	h.backend.failWith("b", permanent(http.StatusUnprocessableEntity))

	res := h.proc.Drain(ctx)
	assert.Equal(t, PassResult{Applied: 2, Failed: 1}, res)
	assert.Empty(t, queued(t, h))

	failed, err := h.svc.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].AppointmentID)
	assert.Contains(t, failed[0].Reason, "422")

	select {
	case f := <-failures:
		assert.Equal(t, "b", f.Mutation.AppointmentID)
	case <-time.After(time.Second):
		t.Fatal("failure not published")
	}
}

func TestRejectedRescheduleSuccessorKeepsPredecessor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{})

	old := booked("old")
	h.backend.seed(old)
	require.NoError(t, h.store.Records().Save(ctx, old))

	succ := booked("new")
	succ.StartTime = succ.StartTime.Add(24 * time.Hour)
	succ.EndTime = succ.EndTime.Add(24 * time.Hour)
	res, err := h.svc.Reschedule(ctx, "old", succ)
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, []string{"new", "old"}, queued(t, h))

	cached, err := h.svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, appointment.Aggregate(cached).Cancelled, "superseded predecessor is not a cancellation")

	h.backend.failWith("new", permanent(http.StatusConflict))
	pass := h.proc.Drain(ctx)
	assert.Equal(t, PassResult{Failed: 2}, pass)

	for _, c := range h.backend.callLog() {
		assert.NotEqual(t, call{Op: "update", ID: "old"}, c, "predecessor must not be cancelled")
	}

	// the post-pass refresh restores the backend's view of the predecessor
	got, err := h.store.Records().Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusBooked, got.Status)
	_, err = h.store.Records().Get(ctx, "new")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestRetryBudgetDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{MaxAttempts: 2})
	enqueueCreate(t, h, "a", "")
	enqueueCreate(t, h, "b", "")
	h.backend.failWith("a", errNetwork, errNetwork)

	assert.Equal(t, PassResult{Retained: 2}, h.proc.Drain(ctx))
	assert.Equal(t, PassResult{Failed: 1, Retained: 1}, h.proc.Drain(ctx))

	failed, err := h.svc.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Contains(t, failed[0].Reason, "gave up after 2 attempts")

	assert.Equal(t, PassResult{Applied: 1}, h.proc.Drain(ctx))
}

func TestRetryBudgetDropsRestOfGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{MaxAttempts: 1})
	enqueueCreate(t, h, "succ", "grp")
	m, err := localstore.NewUpdate("pred", appointment.StatusPatch(appointment.StatusCancelled), "grp")
	require.NoError(t, err)
	_, err = h.store.Queue().Enqueue(ctx, m)
	require.NoError(t, err)
	enqueueCreate(t, h, "other", "")
	h.backend.failWith("succ", errNetwork)

	assert.Equal(t, PassResult{Failed: 2, Retained: 1}, h.proc.Drain(ctx))
	assert.Equal(t, []string{"other"}, queued(t, h))
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{RetryInterval: time.Hour})
	h.backend.block = make(chan struct{})
	startProcessor(t, h)

	enqueueCreate(t, h, "a", "")
	h.monitor.Set(connectivity.SignalNetwork, true)
	require.Eventually(t, func() bool { return h.proc.State() == StateProcessing }, 2*time.Second, 5*time.Millisecond)

	enqueueCreate(t, h, "b", "")
	for i := 0; i < 5; i++ {
		h.proc.Trigger()
	}
	close(h.backend.block)

	require.Eventually(t, func() bool {
		n, err := h.store.Queue().Len(ctx)
		return err == nil && n == 0 && h.proc.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), h.proc.Passes())
}

func TestTriggerWhileOfflineDoesNothing(t *testing.T) {
	h := newHarness(ProcessorConfig{RetryInterval: time.Hour})
	startProcessor(t, h)
	enqueueCreate(t, h, "a", "")
	h.proc.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.proc.Passes())
	assert.Empty(t, h.backend.callLog())
}

func TestRetryTickerDrainsWhileOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{RetryInterval: 20 * time.Millisecond})
	enqueueCreate(t, h, "a", "")
	h.backend.failWith("a", errNetwork)
	h.monitor.Set(connectivity.SignalNetwork, true)
	startProcessor(t, h)

	require.Eventually(t, func() bool {
		n, err := h.store.Queue().Len(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnreadableSuccessCountsAsApplied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(ProcessorConfig{MaxAttempts: 5})
	h.backend.garbled["a1"] = true
	enqueueCreate(t, h, "a1", "")
	require.NoError(t, h.store.Records().Save(ctx, booked("a1")))

	res := h.proc.Drain(ctx)
	assert.Equal(t, PassResult{Applied: 1}, res)
	assert.Empty(t, queued(t, h))

	failed, err := h.store.Queue().ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)

	// The post-pass refresh replaces the optimistic copy with the server's record.
	got, err := h.store.Records().Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.IsZero())
}
