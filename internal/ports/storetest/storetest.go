// Package storetest holds the behavioural contract every ports.QueueStore
// implementation must satisfy. Backends call Run from their own tests.
package storetest

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) ports.QueueStore

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ports.QueueStore)
	}{
		{"InsertAssignsSeq", testInsertAssignsSeq},
		{"ClaimEmpty", testClaimEmpty},
		{"FIFOOrder", testFIFOOrder},
		{"FIFOTieBrokenByInsertion", testFIFOTie},
		{"AtMostOneClaim", testAtMostOneClaim},
		{"ConcurrentDrain", testConcurrentDrain},
		{"DuplicateComponent", testDuplicateComponent},
		{"NoComponentNeverDeduplicated", testNoComponent},
		{"DeleteAndArchive", testDeleteAndArchive},
		{"ArchiveUnknown", testArchiveUnknown},
		{"ResetInProgress", testResetInProgress},
		{"HeartbeatKeepsTaskClaimed", testHeartbeat},
		{"StaleOwnerCannotArchive", testStaleOwnerArchive},
		{"ListQueueOrder", testListQueueOrder},
		{"ListActivityFilters", testListActivityFilters},
		{"Counts", testCounts},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var base = time.UnixMilli(1_700_000_000_000)

func at(offsetMs int64) time.Time {
	return base.Add(time.Duration(offsetMs) * time.Millisecond)
}

func newTask(component string, submittedAt time.Time) domain.Task {
	return domain.Task{
		UUID:         uuid.NewString(),
		Type:         "REPORT",
		ComponentKey: component,
		PayloadRef:   "report-" + component,
		Status:       domain.StatusPending,
		SubmittedAt:  submittedAt,
	}
}

func insert(t *testing.T, s ports.QueueStore, component string, submittedAt time.Time) domain.Task {
	t.Helper()
	task, err := s.Insert(context.Background(), newTask(component, submittedAt))
	require.NoError(t, err)
	return task
}

func claim(t *testing.T, s ports.QueueStore, startedAt time.Time) *domain.Task {
	t.Helper()
	return claimAs(t, s, startedAt, uuid.NewString())
}

func claimAs(t *testing.T, s ports.QueueStore, startedAt time.Time, lease string) *domain.Task {
	t.Helper()
	task, err := s.ClaimOldestPending(context.Background(), startedAt, lease)
	require.NoError(t, err)
	return task
}

func testInsertAssignsSeq(t *testing.T, s ports.QueueStore) {
	a := insert(t, s, "p1", at(0))
	b := insert(t, s, "p2", at(0))

	assert.Equal(t, domain.StatusPending, a.Status)
	assert.Positive(t, a.Seq)
	assert.Greater(t, b.Seq, a.Seq)
}

func testClaimEmpty(t *testing.T, s ports.QueueStore) {
	assert.Nil(t, claim(t, s, at(0)))
}

func testFIFOOrder(t *testing.T, s ports.QueueStore) {
	// inserted out of submission order on purpose
	t3 := insert(t, s, "p3", at(300))
	t1 := insert(t, s, "p1", at(100))
	t2 := insert(t, s, "p2", at(200))

	for _, want := range []domain.Task{t1, t2, t3} {
		got := claim(t, s, at(1_000))
		require.NotNil(t, got)
		assert.Equal(t, want.UUID, got.UUID)
		assert.Equal(t, domain.StatusInProgress, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.Equal(t, at(1_000).UnixMilli(), got.StartedAt.UnixMilli())
		assert.Equal(t, want.SubmittedAt.UnixMilli(), got.SubmittedAt.UnixMilli())
		assert.Equal(t, want.ComponentKey, got.ComponentKey)
		assert.Equal(t, want.PayloadRef, got.PayloadRef)
	}
	assert.Nil(t, claim(t, s, at(1_000)))
}

func testFIFOTie(t *testing.T, s ports.QueueStore) {
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, insert(t, s, fmt.Sprintf("p%d", i), at(0)).UUID)
	}
	var got []string
	for range want {
		task := claim(t, s, at(1))
		require.NotNil(t, task)
		got = append(got, task.UUID)
	}
	assert.Equal(t, want, got)
}

func testAtMostOneClaim(t *testing.T, s ports.QueueStore) {
	only := insert(t, s, "sample", at(0))

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			task, err := s.ClaimOldestPending(context.Background(), at(10), uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if task != nil {
				claimed = append(claimed, task.UUID)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, []string{only.UUID}, claimed)
}

func testConcurrentDrain(t *testing.T, s ports.QueueStore) {
	const tasks = 30
	for i := 0; i < tasks; i++ {
		insert(t, s, fmt.Sprintf("p%d", i), at(int64(i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
		errs []error
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimOldestPending(context.Background(), at(100), uuid.NewString())
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.UUID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func testDuplicateComponent(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	first := insert(t, s, "sample", at(0))

	_, err := s.Insert(ctx, newTask("sample", at(1)))
	assert.ErrorIs(t, err, domain.ErrDuplicateTask, "pending task must block")

	claimed := claim(t, s, at(2))
	require.NotNil(t, claimed)
	_, err = s.Insert(ctx, newTask("sample", at(3)))
	assert.ErrorIs(t, err, domain.ErrDuplicateTask, "in-progress task must block")

	_, err = s.DeleteAndArchive(ctx, first.UUID, domain.Completion{Status: domain.StatusSuccess, StartedAt: claimed.StartedAt, EndedAt: at(4)})
	require.NoError(t, err)

	_, err = s.Insert(ctx, newTask("sample", at(5)))
	assert.NoError(t, err, "component is free once its task is archived")

	list, err := s.ListQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testNoComponent(t *testing.T, s ports.QueueStore) {
	insert(t, s, "", at(0))
	insert(t, s, "", at(1))

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)

	task := claim(t, s, at(2))
	require.NotNil(t, task)
	assert.Empty(t, task.ComponentKey)
}

func testDeleteAndArchive(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	task := insert(t, s, "p1", at(0))
	claimed := claim(t, s, at(100))
	require.NotNil(t, claimed)

	a, err := s.DeleteAndArchive(ctx, task.UUID, domain.Completion{
		Status:       domain.StatusFailed,
		StartedAt:    claimed.StartedAt,
		EndedAt:      at(350),
		ErrorMessage: "boom",
	})
	require.NoError(t, err)
	assert.Equal(t, task.UUID, a.UUID)
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Equal(t, "p1", a.ComponentKey)
	assert.Equal(t, int64(250), a.ExecutionTimeMs)
	assert.Equal(t, "boom", a.ErrorMessage)

	live, err := s.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	history, err := s.ListActivity(ctx, domain.ActivityQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, task.UUID, history[0].UUID)
	assert.Equal(t, domain.StatusFailed, history[0].Status)
	assert.Equal(t, at(0).UnixMilli(), history[0].SubmittedAt.UnixMilli())
	require.NotNil(t, history[0].StartedAt)
	assert.Equal(t, at(100).UnixMilli(), history[0].StartedAt.UnixMilli())
	assert.Equal(t, at(350).UnixMilli(), history[0].ExecutedAt.UnixMilli())

	_, err = s.DeleteAndArchive(ctx, task.UUID, domain.Completion{Status: domain.StatusSuccess, EndedAt: at(400)})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	history, err = s.ListActivity(ctx, domain.ActivityQuery{})
	require.NoError(t, err)
	assert.Len(t, history, 1, "activity is written exactly once")
}

func testArchiveUnknown(t *testing.T, s ports.QueueStore) {
	_, err := s.DeleteAndArchive(context.Background(), "missing", domain.Completion{Status: domain.StatusSuccess, EndedAt: at(0)})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func testResetInProgress(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	stale := insert(t, s, "p1", at(0))
	fresh := insert(t, s, "p2", at(1))
	waiting := insert(t, s, "p3", at(2))

	require.Equal(t, stale.UUID, claim(t, s, at(100)).UUID)
	require.Equal(t, fresh.UUID, claim(t, s, at(5_000)).UUID)

	n, err := s.ResetInProgress(ctx, at(1_000))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{Pending: 2, InProgress: 1}, counts)

	// the reset task keeps its original position ahead of later submissions
	next := claim(t, s, at(6_000))
	require.NotNil(t, next)
	assert.Equal(t, stale.UUID, next.UUID)
	assert.Equal(t, at(6_000).UnixMilli(), next.StartedAt.UnixMilli())

	next = claim(t, s, at(6_000))
	require.NotNil(t, next)
	assert.Equal(t, waiting.UUID, next.UUID)
}

func testHeartbeat(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	task := insert(t, s, "p1", at(0))
	claimed := claimAs(t, s, at(100), "w1")
	require.NotNil(t, claimed)
	assert.Equal(t, "w1", claimed.LeaseOwner)

	ok, err := s.Heartbeat(ctx, task.UUID, "w1", at(5_000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Heartbeat(ctx, task.UUID, "w2", at(5_000))
	require.NoError(t, err)
	assert.False(t, ok, "only the lease owner can heartbeat")

	ok, err = s.Heartbeat(ctx, "missing", "w1", at(5_000))
	require.NoError(t, err)
	assert.False(t, ok)

	// claimed long ago but alive since
	n, err := s.ResetInProgress(ctx, at(1_000))
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusInProgress, list[0].Status)
	require.NotNil(t, list[0].HeartbeatAt)
	assert.Equal(t, at(5_000).UnixMilli(), list[0].HeartbeatAt.UnixMilli())

	n, err = s.ResetInProgress(ctx, at(6_000))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = s.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.StatusPending, list[0].Status)
	assert.Nil(t, list[0].HeartbeatAt)
	assert.Empty(t, list[0].LeaseOwner)
}

func testStaleOwnerArchive(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	task := insert(t, s, "p1", at(0))
	first := claimAs(t, s, at(100), "w1")
	require.NotNil(t, first)

	n, err := s.ResetInProgress(ctx, at(1_000))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	second := claimAs(t, s, at(2_000), "w2")
	require.NotNil(t, second)
	require.Equal(t, task.UUID, second.UUID)

	_, err = s.DeleteAndArchive(ctx, task.UUID, domain.Completion{
		LeaseOwner: "w1", Status: domain.StatusSuccess, StartedAt: first.StartedAt, EndedAt: at(3_000),
	})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	ok, err := s.Heartbeat(ctx, task.UUID, "w1", at(3_000))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Insert(ctx, newTask("p1", at(3_000)))
	assert.ErrorIs(t, err, domain.ErrDuplicateTask, "component stays held by the new owner")

	history, err := s.ListActivity(ctx, domain.ActivityQuery{})
	require.NoError(t, err)
	assert.Empty(t, history)

	a, err := s.DeleteAndArchive(ctx, task.UUID, domain.Completion{
		LeaseOwner: "w2", Status: domain.StatusSuccess, StartedAt: second.StartedAt, EndedAt: at(4_000),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2_000), a.ExecutionTimeMs)

	_, err = s.Insert(ctx, newTask("p1", at(5_000)))
	assert.NoError(t, err)
}

func testListQueueOrder(t *testing.T, s ports.QueueStore) {
	a := insert(t, s, "p1", at(0))
	b := insert(t, s, "p2", at(1))
	c := insert(t, s, "p3", at(2))
	require.Equal(t, a.UUID, claim(t, s, at(10)).UUID)

	list, err := s.ListQueue(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, a.UUID, list[0].UUID)
	assert.Equal(t, domain.StatusInProgress, list[0].Status)
	assert.Equal(t, b.UUID, list[1].UUID)
	assert.Equal(t, domain.StatusPending, list[1].Status)
	assert.Nil(t, list[1].StartedAt)
	assert.Equal(t, c.UUID, list[2].UUID)
}

func testListActivityFilters(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	outcomes := []struct {
		component string
		status    domain.ActivityStatus
	}{
		{"p1", domain.StatusSuccess},
		{"p2", domain.StatusFailed},
		{"p1", domain.StatusFailed},
		{"p1", domain.StatusSuccess},
	}
	var ids []string
	for i, o := range outcomes {
		task := insert(t, s, o.component, at(int64(i)))
		claimed := claim(t, s, at(int64(10+i)))
		require.NotNil(t, claimed)
		_, err := s.DeleteAndArchive(ctx, task.UUID, domain.Completion{Status: o.status, StartedAt: claimed.StartedAt, EndedAt: at(int64(20 + i))})
		require.NoError(t, err)
		ids = append(ids, task.UUID)
	}

	uuids := func(list []domain.Activity) []string {
		var out []string
		for _, a := range list {
			out = append(out, a.UUID)
		}
		return out
	}

	all, err := s.ListActivity(ctx, domain.ActivityQuery{})
	require.NoError(t, err)
	assert.Equal(t, ids, uuids(all))

	p1, err := s.ListActivity(ctx, domain.ActivityQuery{ComponentKey: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], ids[2], ids[3]}, uuids(p1))

	failed, err := s.ListActivity(ctx, domain.ActivityQuery{Status: domain.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1], ids[2]}, uuids(failed))

	last, err := s.ListActivity(ctx, domain.ActivityQuery{ComponentKey: "p1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[3]}, uuids(last))

	recent, err := s.ListActivity(ctx, domain.ActivityQuery{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, ids[1:], uuids(recent))

	failedOne, err := s.ListActivity(ctx, domain.ActivityQuery{Status: domain.StatusFailed, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2]}, uuids(failedOne))
}

func testCounts(t *testing.T, s ports.QueueStore) {
	ctx := context.Background()
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{}, counts)

	insert(t, s, "p1", at(0))
	insert(t, s, "p2", at(1))
	insert(t, s, "", at(2))
	claim(t, s, at(3))

	counts, err = s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{Pending: 2, InProgress: 1}, counts)
}
