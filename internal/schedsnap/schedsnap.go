// Package schedsnap persists a precomputed build schedule to disk as JSON,
// written atomically via renameio so a crash or concurrent read never
// observes a half-written file. It is the serialization format behind
// LevelingPartitioner.SaveSchedule/LoadSchedule.
package schedsnap

import (
	"encoding/json"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Round is one dispatch round: the whole frontier at that point in the
// schedule, binned into per-worker batches in slot order, not a flat list
// of target IDs.
type Round struct {
	Batches [][]string `json:"batches"`
}

// Schedule is a full precomputed plan, round by round.
type Schedule struct {
	Rounds []Round `json:"rounds"`
}

// Save writes sched to path as JSON, replacing any existing file
// atomically.
func Save(path string, sched Schedule) error {
	b, err := json.MarshalIndent(sched, "", "  ")
	if err != nil {
		return xerrors.Errorf("schedsnap: marshal: %w", err)
	}
	if err := renameio.WriteFile(path, b, 0644); err != nil {
		return xerrors.Errorf("schedsnap: write %s: %w", path, err)
	}
	return nil
}

// Load reads back a Schedule previously written by Save.
func Load(path string) (Schedule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, xerrors.Errorf("schedsnap: read %s: %w", path, err)
	}
	var sched Schedule
	if err := json.Unmarshal(b, &sched); err != nil {
		return Schedule{}, xerrors.Errorf("schedsnap: unmarshal %s: %w", path, err)
	}
	return sched, nil
}
