package scheduler

import (
	"context"
	"errors"
	"log"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/ryanwilliams/buildsched/internal/depgraph"
	"github.com/ryanwilliams/buildsched/internal/partition"
)

type target struct {
	id     string
	weight int
	deps   []string
}

func (t *target) ID() string  { return t.id }
func (t *target) Weight() int { return t.weight }

func buildGraph(t *testing.T, targets ...*target) *depgraph.DepGraph {
	t.Helper()
	byID := make(map[string]*target, len(targets))
	ts := make([]depgraph.Target, 0, len(targets))
	for _, tg := range targets {
		byID[tg.id] = tg
		ts = append(ts, tg)
	}
	g, err := depgraph.NewDepGraph(ts, func(tg depgraph.Target) ([]depgraph.Target, error) {
		var out []depgraph.Target
		for _, id := range byID[tg.ID()].deps {
			out = append(out, byID[id])
		}
		return out, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func idsOf(targets []Target) []string {
	ids := make([]string, len(targets))
	for i, tg := range targets {
		ids[i] = tg.ID()
	}
	sort.Strings(ids)
	return ids
}

// fakeHandle simulates a child process that reports "still running" for
// pollsUntilDone Poll() calls, then reports code on every call after.
type fakeHandle struct {
	mu             sync.Mutex
	pollsUntilDone int
	code           int
	reported       bool
	onDone         func()
}

func (h *fakeHandle) Poll() (*ExitStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pollsUntilDone > 0 {
		h.pollsUntilDone--
		return nil, nil
	}
	if !h.reported {
		h.reported = true
		if h.onDone != nil {
			h.onDone()
		}
	}
	return &ExitStatus{Code: h.code}, nil
}

func (h *fakeHandle) Wait(ctx context.Context) (ExitStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.reported {
		h.reported = true
		if h.onDone != nil {
			h.onDone()
		}
	}
	return ExitStatus{Code: h.code}, nil
}

func (h *fakeHandle) Terminate() error { return nil }

// recordingSpawner records dispatch order and the peak number of
// concurrently live handles, for worker-cap checks.
type recordingSpawner struct {
	mu         sync.Mutex
	dispatched [][]string
	live       int
	liveAt     []int
	maxLive    int
	configure  func(ids []string) (pollsUntilDone, code int)
}

func (s *recordingSpawner) spawn(batch []Target) (ProcessHandle, error) {
	ids := idsOf(batch)
	s.mu.Lock()
	s.dispatched = append(s.dispatched, ids)
	s.live++
	s.liveAt = append(s.liveAt, s.live)
	if s.live > s.maxLive {
		s.maxLive = s.live
	}
	s.mu.Unlock()

	polls, code := 1, 0
	if s.configure != nil {
		polls, code = s.configure(ids)
	}
	return &fakeHandle{
		pollsUntilDone: polls,
		code:           code,
		onDone: func() {
			s.mu.Lock()
			s.live--
			s.mu.Unlock()
		},
	}, nil
}

func discardLogger() *log.Logger {
	return log.New(discard{}, "", 0)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// A strict dependency chain dispatches one singleton batch at a time.
func TestSimpleChainDispatchOrder(t *testing.T) {
	a := &target{id: "a", weight: 1}
	b := &target{id: "b", weight: 1, deps: []string{"a"}}
	c := &target{id: "c", weight: 1, deps: []string{"b"}}
	g := buildGraph(t, a, b, c)

	sp := &recordingSpawner{}
	s := New(g, partition.NewNaivePartitioner(g), 2, sp.spawn, nil, discardLogger())

	if err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a"}, {"b"}, {"c"}}
	if !reflect.DeepEqual(sp.dispatched, want) {
		t.Errorf("dispatched = %v, want %v", sp.dispatched, want)
	}
	if sp.maxLive > 1 {
		t.Errorf("maxLive = %d, want <= 1 for a strict dependency chain", sp.maxLive)
	}
}

// In a diamond, b and c dispatch concurrently once a finishes, and d only
// after both.
func TestDiamondConcurrentDispatch(t *testing.T) {
	a := &target{id: "a", weight: 1}
	b := &target{id: "b", weight: 1, deps: []string{"a"}}
	c := &target{id: "c", weight: 1, deps: []string{"a"}}
	d := &target{id: "d", weight: 1, deps: []string{"b", "c"}}
	g := buildGraph(t, a, b, c, d)

	sp := &recordingSpawner{}
	s := New(g, partition.NewNaivePartitioner(g), 2, sp.spawn, nil, discardLogger())

	if err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sp.dispatched) != 4 {
		t.Fatalf("expected 4 dispatched batches, got %v", sp.dispatched)
	}
	if got := sp.dispatched[0]; !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("first batch = %v, want [a]", got)
	}
	middle := map[string]bool{sp.dispatched[1][0]: true, sp.dispatched[2][0]: true}
	if !middle["b"] || !middle["c"] {
		t.Errorf("expected b and c dispatched concurrently, got %v", sp.dispatched[1:3])
	}
	if got := sp.dispatched[3]; !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("last batch = %v, want [d]", got)
	}
	if sp.maxLive < 2 {
		t.Errorf("maxLive = %d, want >= 2 (b and c concurrently)", sp.maxLive)
	}
}

// On a nonzero exit the scheduler stops spawning, waits on the other live
// process, and reports the failing batch exactly once.
func TestFailurePathDrainsOtherProcess(t *testing.T) {
	a1 := &target{id: "a1", weight: 1}
	a2 := &target{id: "a2", weight: 1, deps: []string{"a1"}}
	a3 := &target{id: "a3", weight: 1, deps: []string{"a2"}}
	a4 := &target{id: "a4", weight: 1, deps: []string{"a3"}}
	b1 := &target{id: "b1", weight: 1}
	b2 := &target{id: "b2", weight: 1, deps: []string{"b1"}}
	b3 := &target{id: "b3", weight: 1, deps: []string{"b2"}}
	g := buildGraph(t, a1, a2, a3, a4, b1, b2, b3)

	sp := &recordingSpawner{
		configure: func(ids []string) (int, int) {
			if len(ids) == 1 && ids[0] == "a1" {
				return 2, 1 // fails (exit 1) on its third poll
			}
			return 100, 0 // b1 stays running until drained
		},
	}
	s := New(g, partition.NewNaivePartitioner(g), 2, sp.spawn, nil, discardLogger())

	err := s.Execute(context.Background())
	if err == nil {
		t.Fatal("expected a TaskError")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *TaskError, got %T: %v", err, err)
	}
	if len(taskErr.FailedBatches) != 1 {
		t.Fatalf("expected exactly 1 failed batch, got %v", taskErr.FailedBatches)
	}
	if got := idsOf(taskErr.FailedBatches[0]); !reflect.DeepEqual(got, []string{"a1"}) {
		t.Errorf("failed batch = %v, want [a1]", got)
	}

	if got := len(sp.dispatched); got != 2 {
		t.Errorf("expected only the two initial leaves dispatched, got %v", sp.dispatched)
	}
}

// The leveling strategy synchronizes on whole levels: a target surfaced
// mid-level waits until every worker from the previous level is idle before
// it is dispatched, even if a slot is free.
func TestLevelingWaitsForLevelDrain(t *testing.T) {
	a := &target{id: "a", weight: 1}
	b := &target{id: "b", weight: 1, deps: []string{"a"}}
	c := &target{id: "c", weight: 1}
	g := buildGraph(t, a, b, c)

	sp := &recordingSpawner{
		configure: func(ids []string) (int, int) {
			if ids[0] == "c" {
				return 4, 0 // c outlives a, leaving b waiting on the gate
			}
			return 1, 0
		},
	}
	s := New(g, partition.NewLevelingPartitioner(g, 2), 2, sp.spawn, nil, discardLogger())

	if err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a"}, {"c"}, {"b"}}
	if !reflect.DeepEqual(sp.dispatched, want) {
		t.Fatalf("dispatched = %v, want %v", sp.dispatched, want)
	}
	if got := sp.liveAt[2]; got != 1 {
		t.Errorf("b spawned with %d live processes, want 1 (only itself; the previous level must fully drain first)", got)
	}
}

// A chain batch from the partitioning strategy dispatches as one process
// carrying the whole dependency chain, and is never handed out twice while
// in flight.
func TestPartitioningChainBatchDispatchesOnce(t *testing.T) {
	a := &target{id: "a", weight: 1}
	b := &target{id: "b", weight: 1, deps: []string{"a"}}
	c := &target{id: "c", weight: 1, deps: []string{"b"}}
	g := buildGraph(t, a, b, c)

	sp := &recordingSpawner{
		configure: func(ids []string) (int, int) { return 3, 0 },
	}
	s := New(g, partition.NewPartitioningPartitioner(g, 100), 1, sp.spawn, nil, discardLogger())

	if err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := [][]string{{"a", "b", "c"}}
	if !reflect.DeepEqual(sp.dispatched, want) {
		t.Errorf("dispatched = %v, want %v", sp.dispatched, want)
	}
}

// The live process count never exceeds MaxWorkers.
func TestWorkerCapNeverExceeded(t *testing.T) {
	var targets []*target
	for i := 0; i < 10; i++ {
		targets = append(targets, &target{id: string(rune('a' + i)), weight: 1})
	}
	ts := make([]*target, len(targets))
	copy(ts, targets)
	g := buildGraph(t, ts...)

	sp := &recordingSpawner{}
	s := New(g, partition.NewNaivePartitioner(g), 3, sp.spawn, nil, discardLogger())

	if err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sp.maxLive > 3 {
		t.Errorf("maxLive = %d, want <= 3", sp.maxLive)
	}
}

// A spawn_fn error (e.g. exec.Cmd.Start() failing before any process
// exists) is recorded as an immediate WorkerFailure for that batch rather
// than aborting Execute, and further dispatch stops the same way a failed
// exit code would stop it.
func TestSpawnErrorRecordedAsFailure(t *testing.T) {
	a := &target{id: "a", weight: 1}
	b := &target{id: "b", weight: 1}
	g := buildGraph(t, a, b)

	spawnErr := errors.New("fork/exec: no such file or directory")
	spawn := func(batch []Target) (ProcessHandle, error) {
		if idsOf(batch)[0] == "a" {
			return nil, spawnErr
		}
		return &fakeHandle{pollsUntilDone: 0, code: 0}, nil
	}

	s := New(g, partition.NewNaivePartitioner(g), 2, spawn, nil, discardLogger())
	err := s.Execute(context.Background())
	if err == nil {
		t.Fatal("expected a TaskError")
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *TaskError, got %T: %v", err, err)
	}
	if len(taskErr.FailedBatches) != 1 {
		t.Fatalf("expected exactly 1 failed batch, got %v", taskErr.FailedBatches)
	}
	if got := idsOf(taskErr.FailedBatches[0]); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("failed batch = %v, want [a]", got)
	}
}

// A frontier that empties with work remaining and no processes running is
// reported as an invariant violation instead of spinning forever.
func TestNoProgressSurfacesInvariantError(t *testing.T) {
	a := &target{id: "a", weight: 1}
	b := &target{id: "b", weight: 1, deps: []string{"a"}}
	g := buildGraph(t, a, b)

	// Drain the frontier behind the scheduler's back: its processed count
	// stays 0 while the graph has nothing left to dispatch.
	if _, err := g.RemoveNodes(g.Leaves()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.RemoveNodes(g.Leaves()); err != nil {
		t.Fatal(err)
	}

	spawn := func(batch []Target) (ProcessHandle, error) {
		t.Fatal("spawn must not be called with an empty frontier")
		return nil, nil
	}
	s := New(g, partition.NewNaivePartitioner(g), 1, spawn, nil, discardLogger())
	err := s.Execute(context.Background())
	if err == nil {
		t.Fatal("expected an invariant error, got nil")
	}
	if !errors.Is(err, depgraph.ErrInvariant) {
		t.Errorf("expected depgraph.ErrInvariant, got %v", err)
	}
}

// spawn_fn returning a nil handle is treated as instantly processed, and
// post_fn does not fire for it (open question 1).
func TestNilHandleSkipsPostFunc(t *testing.T) {
	a := &target{id: "a", weight: 0}
	g := buildGraph(t, a)

	postCalled := false
	spawn := func(batch []Target) (ProcessHandle, error) { return nil, nil }
	post := func(batch []Target) error { postCalled = true; return nil }

	s := New(g, partition.NewNaivePartitioner(g), 1, spawn, post, discardLogger())
	if err := s.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if postCalled {
		t.Error("post_fn should not be called for a no-op (nil-handle) batch")
	}
}
