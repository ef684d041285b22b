// Command scheduler drives a dependency DAG described by a JSON target
// manifest through internal/scheduler, spawning a shell command per batch.
// It is a thin harness around the scheduler library: the library itself
// has no CLI or persisted state of its own.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/ryanwilliams/buildsched"
	"github.com/ryanwilliams/buildsched/internal/manifest"
	"github.com/ryanwilliams/buildsched/internal/oninterrupt"
	"github.com/ryanwilliams/buildsched/internal/partition"
	"github.com/ryanwilliams/buildsched/internal/schedtrace"
	"github.com/ryanwilliams/buildsched/internal/scheduler"
	"golang.org/x/xerrors"
)

var (
	manifestPath = flag.String("manifest", "", "path to a JSON target manifest")
	jobs         = flag.Int("jobs", 4, "maximum number of concurrent worker processes")
	dryRun       = flag.Bool("dry_run", false, "print the targets that would be built and exit")
	strategy     = flag.String("partitioner", "partitioning", "batching strategy: naive, partitioning, or leveling")
	sizeHint     = flag.Int("partition_size_hint", 0, "PartitionSizeHint for the partitioning strategy (0 = unbounded)")
	ctracefile   = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
	schedulePath = flag.String("save_schedule", "", "with -partitioner=leveling, precompute and save the full round schedule to this path instead of running it")
	explain      = flag.String("explain", "", "print the named target's independents (targets with disjoint dependency sets) and exit")
)

func loadGraph() (*manifest.Manifest, error) {
	if *manifestPath == "" {
		return nil, xerrors.New("scheduler: -manifest is required")
	}
	return manifest.Load(*manifestPath)
}

func funcmain() error {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		schedtrace.Sink(f)
	}

	m, err := loadGraph()
	if err != nil {
		return err
	}
	g, err := m.Graph()
	if err != nil {
		return err
	}

	if *explain != "" {
		g.ComputeClosures()
		n, ok := g.ByTarget(*explain)
		if !ok {
			return xerrors.Errorf("scheduler: unknown target %q", *explain)
		}
		for _, ind := range n.Independents() {
			fmt.Println(ind.Target.ID())
		}
		return nil
	}

	var p partition.Partitioner
	switch *strategy {
	case "naive":
		p = partition.NewNaivePartitioner(g)
	case "partitioning":
		hint := *sizeHint
		if hint == 0 {
			hint = math.MaxInt
		}
		p = partition.NewPartitioningPartitioner(g, hint)
	case "leveling":
		lp := partition.NewLevelingPartitioner(g, *jobs)
		if *schedulePath != "" {
			return lp.SaveSchedule(*schedulePath, *jobs)
		}
		p = lp
	default:
		return xerrors.Errorf("scheduler: unknown -partitioner %q", *strategy)
	}

	if *dryRun {
		for _, n := range g.Nodes() {
			fmt.Println(n.Target.ID())
		}
		return nil
	}

	ctx, canc := buildsched.InterruptibleContext()
	defer canc()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	s := scheduler.New(g, p, *jobs, spawnBatch(ctx), nil, logger)
	oninterrupt.Register(func() {
		if err := s.TerminateAll(); err != nil {
			logger.Printf("terminating workers: %v", err)
		}
	})

	if err := s.Execute(ctx); err != nil {
		return err
	}
	return buildsched.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
