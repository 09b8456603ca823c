package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Popie52/notifyqueue/internal/clock"
	"github.com/Popie52/notifyqueue/internal/model"
	"github.com/Popie52/notifyqueue/internal/store"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory JobStore whose writes can be made to fail.
type memStore struct {
	mu   sync.Mutex
	jobs map[model.JobID]model.Job
	fail bool
}

var _ store.JobStore = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{jobs: make(map[model.JobID]model.Job)} }

func (s *memStore) Save(_ context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk on fire")
	}
	s.jobs[j.ID] = *j
	return nil
}

func (s *memStore) Remove(_ context.Context, id model.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk on fire")
	}
	delete(s.jobs, id)
	return nil
}

func (s *memStore) Load(context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, &j)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) get(id model.JobID) (model.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func newJob(id string, created time.Time) model.Job {
	return model.Job{
		ID: model.JobID(id),
		Notification: model.Notification{
			ID:        "n-" + id,
			Recipient: "user@example.com",
			Subject:   "hello " + id,
		},
		MaxAttempts: 3,
		CreatedAt:   created,
		NextRunAt:   created,
	}
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(t0)
	q := New(append([]Option{WithClock(fc)}, opts...)...)
	t.Cleanup(q.Close)
	return q, fc
}

func mustPush(t *testing.T, q *Queue, j model.Job) {
	t.Helper()
	if err := q.Push(context.Background(), j); err != nil {
		t.Fatalf("Push(%s): %v", j.ID, err)
	}
}

func mustClaim(t *testing.T, q *Queue, worker string, now time.Time) model.Job {
	t.Helper()
	j, ok, err := q.Claim(context.Background(), worker, now)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !ok {
		t.Fatalf("Claim at %s: nothing eligible", now)
	}
	return j
}

func TestClaimEarliestCreatedFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	mustPush(t, q, newJob("late", t0.Add(time.Second)))
	mustPush(t, q, newJob("early", t0))

	now := t0.Add(time.Minute)
	if got := mustClaim(t, q, "w1", now).ID; got != "early" {
		t.Errorf("first claim = %s, want early", got)
	}
	if got := mustClaim(t, q, "w1", now).ID; got != "late" {
		t.Errorf("second claim = %s, want late", got)
	}
}

func TestClaimTiesBrokenBySubmissionOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	for _, id := range []string{"a", "b", "c"} {
		mustPush(t, q, newJob(id, t0))
	}

	for _, want := range []model.JobID{"a", "b", "c"} {
		if got := mustClaim(t, q, "w1", t0).ID; got != want {
			t.Fatalf("claim = %s, want %s", got, want)
		}
	}
}

func TestClaimSkipsJobsNotYetDue(t *testing.T) {
	q, _ := newTestQueue(t)
	j := newJob("later", t0)
	j.NextRunAt = t0.Add(10 * time.Second)
	mustPush(t, q, j)

	if _, ok, err := q.Claim(context.Background(), "w1", t0.Add(9*time.Second)); err != nil || ok {
		t.Fatalf("Claim before due = (%v, %v), want nothing", ok, err)
	}
	if got := mustClaim(t, q, "w1", t0.Add(10*time.Second)).ID; got != "later" {
		t.Fatalf("claim = %s", got)
	}
}

func TestClaimPrefersOlderJobOnceBothDue(t *testing.T) {
	q, _ := newTestQueue(t)

	old := newJob("old", t0)
	old.NextRunAt = t0.Add(5 * time.Second)
	mustPush(t, q, old)

	young := newJob("young", t0.Add(time.Second))
	young.NextRunAt = t0.Add(time.Second)
	mustPush(t, q, young)

	if got := mustClaim(t, q, "w1", t0.Add(6*time.Second)).ID; got != "old" {
		t.Fatalf("claim = %s, want old", got)
	}
}

func TestClaimEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	j, ok, err := q.PopReady(context.Background(), t0)
	if err != nil || ok || j.ID != "" {
		t.Fatalf("PopReady on empty queue = (%+v, %v, %v)", j, ok, err)
	}
}

func TestAckCompletesJob(t *testing.T) {
	st := newMemStore()
	q, _ := newTestQueue(t, WithStore(st))
	mustPush(t, q, newJob("j1", t0))

	held := mustClaim(t, q, "w1", t0)
	if held.State != model.StateRunning || held.Lease == "" || held.Worker != "w1" {
		t.Fatalf("claimed job = %+v", held)
	}

	if err := q.Ack(context.Background(), held); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got, ok := q.Get("j1")
	if !ok {
		t.Fatal("succeeded job not visible")
	}
	if got.State != model.StateSucceeded || got.Attempts != 1 {
		t.Errorf("after ack: state=%s attempts=%d", got.State, got.Attempts)
	}
	if q.Len() != 0 || q.Running() != 0 {
		t.Errorf("Len=%d Running=%d, want 0/0", q.Len(), q.Running())
	}
	if _, ok := st.get("j1"); ok {
		t.Error("succeeded job still in store")
	}

	if err := q.Ack(context.Background(), held); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("second Ack = %v, want ErrLeaseLost", err)
	}
}

func TestRequeueSchedulesRetry(t *testing.T) {
	q, fc := newTestQueue(t)
	mustPush(t, q, newJob("j1", t0))

	held := mustClaim(t, q, "w1", t0)
	if err := q.Requeue(context.Background(), held, 5*time.Second, errors.New("450 mailbox busy")); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	got, _ := q.Get("j1")
	if got.State != model.StatePending || got.Attempts != 1 {
		t.Fatalf("after requeue: state=%s attempts=%d", got.State, got.Attempts)
	}
	if !got.NextRunAt.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("NextRunAt = %s", got.NextRunAt)
	}
	if got.LastError != "450 mailbox busy" {
		t.Errorf("LastError = %q", got.LastError)
	}

	if _, ok, _ := q.Claim(context.Background(), "w1", fc.Now()); ok {
		t.Fatal("retry claimed before its delay elapsed")
	}
	again := mustClaim(t, q, "w2", fc.Advance(5*time.Second))
	if again.Attempts != 1 || again.Worker != "w2" {
		t.Errorf("reclaimed retry = %+v", again)
	}
}

func TestRequeueRefusesWhenBudgetSpent(t *testing.T) {
	q, _ := newTestQueue(t)
	j := newJob("j1", t0)
	j.MaxAttempts = 1
	mustPush(t, q, j)

	held := mustClaim(t, q, "w1", t0)
	if err := q.Requeue(context.Background(), held, 0, errors.New("boom")); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("Requeue = %v, want ErrRetryBudgetExhausted", err)
	}

	if err := q.DeadLetter(context.Background(), held, errors.New("boom")); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].ID != "j1" || dead[0].Attempts != 1 || dead[0].State != model.StateDeadLettered {
		t.Fatalf("DeadLetters = %+v", dead)
	}
	if _, ok, _ := q.Claim(context.Background(), "w1", t0.Add(time.Hour)); ok {
		t.Fatal("dead-lettered job handed out again")
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	q, _ := newTestQueue(t, WithLeaseTimeout(30*time.Second))
	mustPush(t, q, newJob("j1", t0))

	stale := mustClaim(t, q, "w1", t0)

	n, err := q.ReclaimExpired(context.Background(), t0.Add(29*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("early ReclaimExpired = (%d, %v)", n, err)
	}

	n, err = q.ReclaimExpired(context.Background(), t0.Add(30*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("ReclaimExpired = (%d, %v), want 1", n, err)
	}

	fresh := mustClaim(t, q, "w2", t0.Add(31*time.Second))
	if fresh.Attempts != 0 {
		t.Errorf("reclaim counted an attempt: %d", fresh.Attempts)
	}
	if fresh.Lease == stale.Lease {
		t.Fatal("lease token reused")
	}

	if err := q.Ack(context.Background(), stale); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale Ack = %v, want ErrLeaseLost", err)
	}
	if err := q.Requeue(context.Background(), stale, 0, nil); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale Requeue = %v, want ErrLeaseLost", err)
	}
	if err := q.Ack(context.Background(), fresh); err != nil {
		t.Fatalf("fresh Ack: %v", err)
	}

	got, _ := q.Get("j1")
	if got.Attempts != 1 || got.State != model.StateSucceeded {
		t.Errorf("final job = state %s attempts %d", got.State, got.Attempts)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	mustPush(t, q, newJob("pending", t0))
	mustPush(t, q, newJob("running", t0.Add(time.Second)))
	mustPush(t, q, newJob("done", t0.Add(2*time.Second)))

	if err := q.Cancel(ctx, "pending"); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	if _, ok := q.Get("pending"); ok {
		t.Error("cancelled job still visible")
	}

	running := mustClaim(t, q, "w1", t0.Add(time.Minute))
	if running.ID != "running" {
		t.Fatalf("claimed %s", running.ID)
	}
	if err := q.Cancel(ctx, "running"); !errors.Is(err, ErrJobRunning) {
		t.Errorf("Cancel running = %v", err)
	}

	done := mustClaim(t, q, "w1", t0.Add(time.Minute))
	if err := q.Ack(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel(ctx, "done"); !errors.Is(err, ErrJobFinished) {
		t.Errorf("Cancel finished = %v", err)
	}
	if err := q.Cancel(ctx, "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel unknown = %v", err)
	}
}

func TestPushRejections(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, WithCapacity(1))
	mustPush(t, q, newJob("a", t0))

	if err := q.Push(ctx, newJob("a", t0)); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("duplicate push = %v", err)
	}

	err := q.Push(ctx, newJob("b", t0))
	if !model.IsQueueUnavailable(err) || !errors.Is(err, ErrQueueFull) {
		t.Errorf("push over capacity = %v", err)
	}

	q.Close()
	err = q.Push(ctx, newJob("c", t0))
	if !model.IsQueueUnavailable(err) || !errors.Is(err, ErrQueueClosed) {
		t.Errorf("push after close = %v", err)
	}
	if _, _, err := q.Claim(ctx, "w1", t0); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("claim after close = %v", err)
	}
}

func TestStoreFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	q, _ := newTestQueue(t, WithStore(st))
	mustPush(t, q, newJob("a", t0))

	st.fail = true
	if err := q.Push(ctx, newJob("b", t0)); !model.IsQueueUnavailable(err) {
		t.Fatalf("push with failing store = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
	if _, _, err := q.Claim(ctx, "w1", t0); err == nil {
		t.Fatal("claim with failing store succeeded")
	}
	if q.Len() != 1 || q.Running() != 0 {
		t.Fatalf("after failed claim Len=%d Running=%d", q.Len(), q.Running())
	}

	st.fail = false
	if got := mustClaim(t, q, "w1", t0).ID; got != "a" {
		t.Fatalf("claim = %s", got)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	pending := newJob("pending", t0)
	pending.Seq, pending.State = 1, model.StatePending
	running := newJob("running", t0.Add(time.Second))
	running.Seq, running.State, running.Lease, running.Worker = 2, model.StateRunning, "old-lease", "w9"
	dead := newJob("dead", t0.Add(2*time.Second))
	dead.Seq, dead.State, dead.Attempts = 7, model.StateDeadLettered, 3
	for _, j := range []model.Job{pending, running, dead} {
		if err := st.Save(ctx, &j); err != nil {
			t.Fatal(err)
		}
	}

	q, _ := newTestQueue(t, WithStore(st))
	if err := q.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if q.Len() != 2 || q.Running() != 0 {
		t.Fatalf("Len=%d Running=%d, want 2/0", q.Len(), q.Running())
	}
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("DeadLetters = %v", q.DeadLetters())
	}

	stored, _ := st.get("running")
	if stored.State != model.StatePending || stored.Lease != "" {
		t.Errorf("recovered job persisted as %+v", stored)
	}

	mustPush(t, q, newJob("new", t0.Add(time.Hour)))
	fresh, _ := q.Get("new")
	if fresh.Seq <= 7 {
		t.Errorf("new job Seq = %d, want > 7", fresh.Seq)
	}

	if got := mustClaim(t, q, "w1", t0).ID; got != "pending" {
		t.Errorf("first claim after restore = %s", got)
	}
}

func TestConcurrentClaimsHandOutEachJobOnce(t *testing.T) {
	const jobs, workers = 300, 8
	q, _ := newTestQueue(t)
	for i := 0; i < jobs; i++ {
		mustPush(t, q, newJob(fmt.Sprintf("j%03d", i), t0))
	}

	var (
		mu   sync.Mutex
		seen = make(map[model.JobID]string)
		dups []model.JobID
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		name := fmt.Sprintf("w%d", w)
		wg.Go(func() {
			for {
				j, ok, err := q.Claim(context.Background(), name, t0)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				if _, dup := seen[j.ID]; dup {
					dups = append(dups, j.ID)
				}
				seen[j.ID] = name
				mu.Unlock()
				if err := q.Ack(context.Background(), j); err != nil {
					t.Errorf("Ack %s: %v", j.ID, err)
				}
			}
		})
	}
	wg.Wait()

	if len(dups) > 0 {
		t.Fatalf("jobs handed out twice: %v", dups)
	}
	if len(seen) != jobs {
		t.Fatalf("claimed %d jobs, want %d", len(seen), jobs)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		kinds []Kind
	)
	q, _ := newTestQueue(t, WithObserver(func(tr Transition) {
		mu.Lock()
		kinds = append(kinds, tr.Kind)
		mu.Unlock()
	}))

	j := newJob("j1", t0)
	j.MaxAttempts = 2
	mustPush(t, q, j)
	held := mustClaim(t, q, "w1", t0)
	if err := q.Requeue(ctx, held, 0, errors.New("busy")); err != nil {
		t.Fatal(err)
	}
	held = mustClaim(t, q, "w1", t0)
	if err := q.DeadLetter(ctx, held, errors.New("busy")); err != nil {
		t.Fatal(err)
	}

	want := []Kind{Enqueued, Claimed, Retried, Claimed, DeadLettered}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", kinds, want)
	}
}

func TestReadyClosedOnPush(t *testing.T) {
	q, _ := newTestQueue(t)
	wake := q.Ready()

	select {
	case <-wake:
		t.Fatal("wake channel closed before any push")
	default:
	}

	mustPush(t, q, newJob("j1", t0))

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("push did not close the wake channel")
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	q, _ := newTestQueue(t, WithHistory(2))
	for _, id := range []string{"a", "b", "c"} {
		mustPush(t, q, newJob(id, t0))
		if err := q.Ack(context.Background(), mustClaim(t, q, "w1", t0)); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok := q.Get("a"); ok {
		t.Error("oldest succeeded job still retained")
	}
	for _, id := range []model.JobID{"b", "c"} {
		if _, ok := q.Get(id); !ok {
			t.Errorf("%s evicted too early", id)
		}
	}
}
