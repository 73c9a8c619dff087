package engine

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/floegence/agentloop/internal/journal"
)

// scanOrphans looks for shell processes a crashed session may have left
// behind: run_shell calls in the recovered batch that never produced a
// result. Only a process whose OS start time matches the journaled one is
// killed; a mismatched pid was reused by something unrelated and must not
// be touched.
func (e *Engine) scanOrphans(ctx context.Context, batch *journal.RecoveredToolBatch) {
	resolved := map[string]bool{}
	for _, r := range batch.Results {
		resolved[r.CallID] = true
	}
	for _, c := range batch.Calls {
		if c.Name != "run_shell" || resolved[c.ID] {
			continue
		}
		meta, ok := batch.CallExecution[c.ID]
		if !ok || meta.Pid <= 0 {
			e.notify("An interrupted shell call left no process metadata; check for stray processes manually")
			continue
		}
		e.reapOrphan(ctx, c.ID, meta)
	}
}

func (e *Engine) reapOrphan(ctx context.Context, callID string, meta journal.CallExecution) {
	proc, err := process.NewProcessWithContext(ctx, int32(meta.Pid))
	if err != nil {
		e.log.Debug("orphan candidate already gone", "call", callID, "pid", meta.Pid)
		return
	}
	startedAt, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		e.log.Warn("orphan start time unreadable", "call", callID, "pid", meta.Pid, "err", err)
		e.notify(fmt.Sprintf("Process %d from an interrupted shell call could not be verified; not killed", meta.Pid))
		return
	}
	if !orphanStartTimeMatches(meta.StartedAtUnixMs, startedAt) {
		e.log.Warn("orphan start time mismatch, likely pid reuse",
			"call", callID, "pid", meta.Pid,
			"recorded_ms", meta.StartedAtUnixMs, "actual_ms", startedAt)
		e.notify(fmt.Sprintf("Process %d no longer matches the interrupted shell call; not killed", meta.Pid))
		return
	}

	// run_shell puts each command in its own process group; the negative
	// pid kills the whole group.
	if err := unix.Kill(-meta.Pid, unix.SIGKILL); err != nil {
		e.log.Warn("kill orphan process group", "call", callID, "pid", meta.Pid, "err", err)
		return
	}
	e.log.Info("killed orphaned shell process group", "call", callID, "pid", meta.Pid)
	e.notify(fmt.Sprintf("Terminated orphaned shell process %d from the previous session", meta.Pid))
}

// orphanStartTimeMatches compares the journaled process start time with
// what the OS reports now, within orphanStartTimeToleranceMS.
func orphanStartTimeMatches(recordedMs, actualMs int64) bool {
	diff := actualMs - recordedMs
	if diff < 0 {
		diff = -diff
	}
	return diff <= orphanStartTimeToleranceMS
}
