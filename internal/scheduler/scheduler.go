// Package scheduler implements the process-pool loop that drives a
// DepGraph to completion: each iteration asks a Partitioner for the next
// batches, spawns a child process per batch, polls the live processes, and
// surfaces newly-unblocked targets into the frontier. Concurrency comes
// from OS child processes, not goroutines — the loop body itself is
// single-threaded and cooperative.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ryanwilliams/buildsched/internal/depgraph"
	"github.com/ryanwilliams/buildsched/internal/partition"
	"github.com/ryanwilliams/buildsched/internal/schedtrace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Target is the unit of work dispatched to a worker process.
type Target = depgraph.Target

// pollInterval is how long Execute sleeps after a poll round that retired
// nothing while processes are still running.
const pollInterval = 10 * time.Millisecond

// ExitStatus is the result of a finished child process.
type ExitStatus struct {
	Code int
}

// ProcessHandle is a live child process compiling one batch.
type ProcessHandle interface {
	// Poll non-blockingly reports the process's exit status, or nil if it
	// is still running.
	Poll() (*ExitStatus, error)
	// Wait blocks until the process exits.
	Wait(ctx context.Context) (ExitStatus, error)
	// Terminate asks the process to stop.
	Terminate() error
}

// SpawnFunc starts a child process compiling batch. It returns a nil
// handle and nil error to signal the batch has no work to do (e.g. every
// target has zero sources); the scheduler treats that as instantly
// processed.
type SpawnFunc func(batch []Target) (ProcessHandle, error)

// PostFunc runs once per successfully finished batch, before its
// dependents surface into the live frontier.
type PostFunc func(batch []Target) error

// TaskError is returned by Execute when one or more batches failed.
type TaskError struct {
	FailedBatches [][]Target
}

func (e *TaskError) Error() string {
	parts := make([]string, len(e.FailedBatches))
	for i, b := range e.FailedBatches {
		parts[i] = "{" + strings.Join(batchIDs(b), ",") + "}"
	}
	return fmt.Sprintf("%d batch(es) failed: %s", len(e.FailedBatches), strings.Join(parts, ", "))
}

func batchIDs(targets []Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID()
	}
	return ids
}

func nodeTargets(batch []*depgraph.Node) []Target {
	out := make([]Target, len(batch))
	for i, n := range batch {
		out[i] = n.Target
	}
	return out
}

// Scheduler drives a DepGraph to completion by repeatedly consulting a
// Partitioner and spawning worker processes for the batches it returns.
//
// Every dispatched batch opens a schedtrace.Event (named after its target
// IDs, keyed by an incrementing batch index rather than the worker slot it
// happens to land on) at dispatch time and closes it when the batch is
// retired, whether it finishes, fails, or is reaped during drain. These
// events land wherever the caller last pointed schedtrace.Sink/Enable; by
// default that is io.Discard, so a caller who never configures a sink pays
// nothing for this.
type Scheduler struct {
	Graph       *depgraph.DepGraph
	Partitioner partition.Partitioner
	MaxWorkers  int
	Spawn       SpawnFunc
	Post        PostFunc
	Log         *log.Logger

	inFlight    map[*depgraph.Node]struct{}
	processes   map[ProcessHandle][]*depgraph.Node
	slotOf      map[ProcessHandle]int
	freeSlots   []int
	processed   []*depgraph.Node
	failed      [][]Target
	nextBatchID int
	traceEvents map[ProcessHandle]*schedtrace.PendingEvent

	statusMu   sync.Mutex
	status     []string
	lastStatus time.Time
}

// New builds a Scheduler over g using p to pick batches, spawning at most
// maxWorkers concurrent processes via spawn. post and logger may be nil.
func New(g *depgraph.DepGraph, p partition.Partitioner, maxWorkers int, spawn SpawnFunc, post PostFunc, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	freeSlots := make([]int, maxWorkers)
	for i := range freeSlots {
		freeSlots[i] = maxWorkers - i // pop from the end: 1, 2, ..., maxWorkers
	}
	return &Scheduler{
		Graph:       g,
		Partitioner: p,
		MaxWorkers:  maxWorkers,
		Spawn:       spawn,
		Post:        post,
		Log:         logger,
		inFlight:    make(map[*depgraph.Node]struct{}),
		processes:   make(map[ProcessHandle][]*depgraph.Node),
		slotOf:      make(map[ProcessHandle]int),
		freeSlots:   freeSlots,
		traceEvents: make(map[ProcessHandle]*schedtrace.PendingEvent),
		status:      make([]string, maxWorkers+1),
	}
}

// TerminateAll asks every in-flight process to stop. It is not invoked by
// Execute itself; callers may wire it to a signal handler.
func (s *Scheduler) TerminateAll() error {
	var firstErr error
	for h := range s.processes {
		if err := h.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Execute runs the scheduler's main loop until every node in Graph has
// been processed, or a batch fails. It returns *TaskError if any batches
// failed.
//
// The dispatch loop itself is single-threaded; concurrency comes from
// child processes, not goroutines. The two background resource
// samplers below are the one piece of genuine in-process concurrency
// Execute owns, which is what errgroup.WithContext is actually for here:
// a real error from either sampler (not a context cancellation, which is
// the expected shutdown path) cancels traceCtx and tears down its sibling
// immediately rather than leaving it running uselessly until Execute
// itself returns — the first-error-cancellation behavior a plain
// sync.WaitGroup doesn't give you.
func (s *Scheduler) Execute(ctx context.Context) error {
	total := len(s.Graph.Nodes())

	traceCtx, cancelTrace := context.WithCancel(ctx)
	eg, traceCtx := errgroup.WithContext(traceCtx)
	eg.Go(func() error {
		err := schedtrace.CPUEvents(traceCtx, time.Second)
		if traceCtx.Err() != nil {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		err := schedtrace.MemEvents(traceCtx, time.Second)
		if traceCtx.Err() != nil {
			return nil
		}
		return err
	})
	defer func() {
		cancelTrace()
		if err := eg.Wait(); err != nil {
			s.Log.Printf("resource trace sampler: %v", err)
		}
	}()

	for len(s.processed) < total {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(s.processes) == 0 && len(s.Graph.Leaves()) == 0 {
			// Nothing running and nothing dispatchable, yet work remains:
			// impossible on an acyclic graph.
			return xerrors.Errorf("scheduler: no progress possible with %d of %d targets processed: %w",
				len(s.processed), total, depgraph.ErrInvariant)
		}
		slots := s.MaxWorkers - len(s.processes)
		if slots > 0 && len(s.Graph.Leaves()) > 0 {
			batches, err := s.Partitioner.Next(slots)
			if err != nil {
				return xerrors.Errorf("scheduler: partitioner.Next: %w", err)
			}
			dispatchOK := true
			for _, batch := range batches {
				if len(batch) == 0 {
					continue
				}
				ok, err := s.dispatch(batch)
				if err != nil {
					return err
				}
				if !ok {
					dispatchOK = false
				}
			}
			if !dispatchOK {
				break
			}
		}
		retired := len(s.processed)
		ok, err := s.poll(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if len(s.processes) > 0 && len(s.processed) == retired {
			// No live process finished this round; don't spin on Poll.
			time.Sleep(pollInterval)
		}
	}

	return s.drain(ctx)
}

// dispatch starts batch's worker process. It reports ok=false (with a nil
// error) when Spawn itself fails to start the process — exec.Cmd.Start()
// can fail before any process exists. That is treated as an immediate
// failure for the batch, exactly like a nonzero exit code, rather than
// aborting Execute outright.
func (s *Scheduler) dispatch(batch []*depgraph.Node) (bool, error) {
	targets := nodeTargets(batch)
	ids := batchIDs(targets)
	s.Log.Printf("dispatching batch {%s}", strings.Join(ids, ","))

	// The batch leaves the frontier now, so the next partitioner consult
	// cannot hand it out again; the edge-dropping commit waits until the
	// batch is processed.
	if err := s.Graph.BeginDispatch(batch); err != nil {
		return false, xerrors.Errorf("scheduler: begin dispatch: %w", err)
	}

	handle, err := s.Spawn(targets)
	if err != nil {
		s.Log.Printf("batch {%s} failed to start: %v", strings.Join(ids, ","), err)
		s.failed = append(s.failed, targets)
		if err := s.handleProcessed(batch, true, false); err != nil {
			return false, err
		}
		return false, nil
	}
	if handle == nil {
		return true, s.handleProcessed(batch, false, true)
	}

	slot := s.freeSlots[len(s.freeSlots)-1]
	s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
	s.processes[handle] = batch
	s.slotOf[handle] = slot
	for _, n := range batch {
		s.inFlight[n] = struct{}{}
	}

	batchIdx := s.nextBatchID
	s.nextBatchID++
	s.traceEvents[handle] = schedtrace.Event(strings.Join(ids, ","), batchIdx)

	s.updateStatus(slot, "building {"+strings.Join(ids, ",")+"}")
	return true, nil
}

// finishTrace closes the Chrome-trace event opened for handle at dispatch
// time, if tracing is active. Called once a handle is retired, whether it
// succeeded or failed.
func (s *Scheduler) finishTrace(handle ProcessHandle) {
	if ev, ok := s.traceEvents[handle]; ok {
		ev.Done()
		delete(s.traceEvents, handle)
	}
}

// poll non-blockingly checks every live process, retires the finished
// ones, and reports whether every finished process this round exited
// zero.
func (s *Scheduler) poll(ctx context.Context) (bool, error) {
	ok := true
	for handle, batch := range s.processes {
		status, err := handle.Poll()
		if err != nil {
			return false, xerrors.Errorf("scheduler: poll: %w", err)
		}
		if status == nil {
			continue
		}

		delete(s.processes, handle)
		slot := s.slotOf[handle]
		delete(s.slotOf, handle)
		s.freeSlots = append(s.freeSlots, slot)
		s.updateStatus(slot, "idle")
		s.finishTrace(handle)

		succeeded := status.Code == 0
		if !succeeded {
			ok = false
		}
		if err := s.handleFinished(batch, succeeded); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (s *Scheduler) handleFinished(batch []*depgraph.Node, ok bool) error {
	for _, n := range batch {
		delete(s.inFlight, n)
	}
	targets := nodeTargets(batch)
	ids := strings.Join(batchIDs(targets), ",")
	if ok {
		if s.Post != nil {
			if err := s.Post(targets); err != nil {
				return xerrors.Errorf("scheduler: post_fn({%s}): %w", ids, err)
			}
		}
		s.Log.Printf("batch {%s} finished", ids)
	} else {
		s.failed = append(s.failed, targets)
		s.Log.Printf("batch {%s} failed", ids)
	}
	return s.handleProcessed(batch, true, ok)
}

func (s *Scheduler) handleProcessed(batch []*depgraph.Node, compiled, ok bool) error {
	if !compiled {
		s.Log.Printf("batch {%s} had no work", strings.Join(batchIDs(nodeTargets(batch)), ","))
	}
	if _, err := s.Graph.CommitDispatch(batch); err != nil {
		return xerrors.Errorf("scheduler: commit dispatch: %w", err)
	}
	s.processed = append(s.processed, batch...)
	return nil
}

// drain blocks on any processes still running after the main loop exits
// (either because every node finished, or because a failure stopped
// further dispatch), aggregating their outcomes into failed.
func (s *Scheduler) drain(ctx context.Context) error {
	type live struct {
		handle ProcessHandle
		batch  []*depgraph.Node
	}
	remaining := make([]live, 0, len(s.processes))
	for h, b := range s.processes {
		remaining = append(remaining, live{h, b})
	}

	for _, r := range remaining {
		status, err := r.handle.Wait(ctx)
		slot := s.slotOf[r.handle]
		delete(s.processes, r.handle)
		delete(s.slotOf, r.handle)
		s.updateStatus(slot, "idle")
		s.finishTrace(r.handle)
		if err != nil {
			return xerrors.Errorf("scheduler: wait: %w", err)
		}
		if err := s.handleFinished(r.batch, status.Code == 0); err != nil {
			return err
		}
	}

	if len(s.failed) > 0 {
		s.Log.Printf("%d batch(es) failed, %d of %d targets processed", len(s.failed), len(s.processed), len(s.Graph.Nodes()))
		return &TaskError{FailedBatches: s.failed}
	}
	s.Log.Printf("%d targets processed successfully", len(s.processed))
	return nil
}
