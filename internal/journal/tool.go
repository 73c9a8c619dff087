package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/agentloop/internal/tools"
	"github.com/floegence/agentloop/internal/turn"
)

// ErrBatchPending is returned by BeginBatch while an uncommitted batch
// already exists on disk.
var ErrBatchPending = errors.New("pending tool batch exists")

// CommitProof is the token CommitBatch requires. Holding one means the
// batch row exists: BeginBatch wrote it, or Recover located it on disk.
// Only this package constructs proofs; the zero value fails every check,
// so a commit without a journal entry cannot happen by accident.
type CommitProof struct {
	batchID turn.BatchID
	ok      bool
}

// BatchID reports which batch the proof stands for.
func (p CommitProof) BatchID() turn.BatchID { return p.batchID }

// Valid reports whether the proof was minted by this package.
func (p CommitProof) Valid() bool { return p.ok && p.batchID.Valid() }

// CallExecution is the process metadata journaled for one call before its
// executor waits on the process. Zero Pid means none was recorded.
type CallExecution struct {
	Pid             int
	StartedAtUnixMs int64
}

// RecoveredToolBatch is the reconstruction of the uncommitted batch found
// after a crash.
type RecoveredToolBatch struct {
	BatchID turn.BatchID
	// StreamStepID correlates the batch with the stream session that
	// produced it. Zero when no step was recorded.
	StreamStepID  turn.StepID
	ModelName     string
	AssistantText string
	Calls         []tools.Call
	Results       []tools.Result
	// CorruptedArgs lists call ids whose journaled arguments failed to
	// parse; those calls carry an empty object instead. A call is never
	// lost to bad JSON.
	CorruptedArgs []string
	CallExecution map[string]CallExecution
	Proof         CommitProof
}

// ToolJournal is the durable append log for one tool-call batch. Calls,
// argument deltas, process metadata, and results are persisted as they
// are produced, before the engine acts on them.
type ToolJournal struct {
	db *sql.DB
}

// OpenTool opens or creates the tool journal database at path.
func OpenTool(path string) (*ToolJournal, error) {
	db, err := openDB(path, migrateToolSchema)
	if err != nil {
		return nil, err
	}
	return &ToolJournal{db: db}, nil
}

func (j *ToolJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func migrateToolSchema(db *sql.DB) error {
	const targetVersion = 1
	return migrateTo(db, targetVersion, func(tx *sql.Tx) error {
		// AUTOINCREMENT keeps batch ids strictly increasing even after a
		// batch is pruned; ids are identity and must never be reused.
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tool_batches (
  batch_id INTEGER PRIMARY KEY AUTOINCREMENT,
  stream_step_id INTEGER NOT NULL DEFAULT 0,
  model_name TEXT NOT NULL DEFAULT '',
  assistant_text TEXT NOT NULL DEFAULT '',
  committed INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_batches_pending ON tool_batches(committed) WHERE committed = 0;

CREATE TABLE IF NOT EXISTS tool_calls (
  batch_id INTEGER NOT NULL,
  seq INTEGER NOT NULL,
  tool_call_id TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  arguments_json TEXT NOT NULL DEFAULT '',
  started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  process_id INTEGER NOT NULL DEFAULT 0,
  process_started_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (batch_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_call ON tool_calls(batch_id, tool_call_id);

CREATE TABLE IF NOT EXISTS tool_results (
  batch_id INTEGER NOT NULL,
  tool_call_id TEXT NOT NULL,
  tool_name TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  is_error INTEGER NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (batch_id, tool_call_id)
);
`)
		return err
	})
}

// BeginBatch inserts an uncommitted batch row bound to stepID and returns
// the proof that commits it later. Fails with ErrBatchPending while an
// uncommitted batch exists; the pending batch must be committed or
// discarded first.
func (j *ToolJournal) BeginBatch(ctx context.Context, stepID turn.StepID, model string) (CommitProof, error) {
	if j == nil || j.db == nil {
		return CommitProof{}, errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pending, err := j.pendingBatchID(ctx)
	if err != nil {
		return CommitProof{}, err
	}
	if pending.Valid() {
		return CommitProof{}, fmt.Errorf("%w: batch %d", ErrBatchPending, pending)
	}

	res, err := j.db.ExecContext(ctx, `
INSERT INTO tool_batches (stream_step_id, model_name, assistant_text, committed, created_at_unix_ms)
VALUES (?, ?, '', 0, ?)
`, int64(stepID), strings.TrimSpace(model), time.Now().UnixMilli())
	if err != nil {
		return CommitProof{}, fmt.Errorf("begin tool batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return CommitProof{}, err
	}
	return CommitProof{batchID: turn.BatchID(id), ok: true}, nil
}

// RecordCallStart journals a call the moment the provider starts it.
// Arguments follow incrementally through AppendCallArgs.
func (j *ToolJournal) RecordCallStart(ctx context.Context, batchID turn.BatchID, seq int, callID, toolName string) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO tool_calls (batch_id, seq, tool_call_id, tool_name, arguments_json)
VALUES (?, ?, ?, ?, '')
`, int64(batchID), seq, callID, toolName)
	if err != nil {
		return fmt.Errorf("record call start %s: %w", callID, err)
	}
	return nil
}

// AppendCallArgs appends one argument delta to a journaled call.
func (j *ToolJournal) AppendCallArgs(ctx context.Context, batchID turn.BatchID, callID string, delta string) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := j.db.ExecContext(ctx, `
UPDATE tool_calls
SET arguments_json = arguments_json || ?
WHERE batch_id = ? AND tool_call_id = ?
`, delta, int64(batchID), callID)
	if err != nil {
		return fmt.Errorf("append call args %s: %w", callID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no journaled call %s in batch %d", callID, batchID)
	}
	return nil
}

// UpdateAssistantText replaces the batch's journaled assistant text.
func (j *ToolJournal) UpdateAssistantText(ctx context.Context, batchID turn.BatchID, text string) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := j.db.ExecContext(ctx, `
UPDATE tool_batches SET assistant_text = ? WHERE batch_id = ?
`, text, int64(batchID))
	if err != nil {
		return fmt.Errorf("update assistant text for batch %d: %w", batchID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no tool batch %d", batchID)
	}
	return nil
}

// MarkCallStarted records when a journaled call began executing.
func (j *ToolJournal) MarkCallStarted(ctx context.Context, batchID turn.BatchID, callID string, atUnixMs int64) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := j.db.ExecContext(ctx, `
UPDATE tool_calls SET started_at_unix_ms = ? WHERE batch_id = ? AND tool_call_id = ?
`, atUnixMs, int64(batchID), callID)
	if err != nil {
		return fmt.Errorf("mark call started %s: %w", callID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no journaled call %s in batch %d", callID, batchID)
	}
	return nil
}

// RecordCallProcess journals the spawned process's pid and start time.
// The row is durable before the executor waits on the process; recovery's
// orphan scan keys on exactly this metadata.
func (j *ToolJournal) RecordCallProcess(ctx context.Context, batchID turn.BatchID, callID string, pid int, startedAtUnixMs int64) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := j.db.ExecContext(ctx, `
UPDATE tool_calls SET process_id = ?, process_started_at_unix_ms = ? WHERE batch_id = ? AND tool_call_id = ?
`, pid, startedAtUnixMs, int64(batchID), callID)
	if err != nil {
		return fmt.Errorf("record call process %s: %w", callID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no journaled call %s in batch %d", callID, batchID)
	}
	return nil
}

// RecordResult journals one call's outcome. Re-recording a call replaces
// the earlier row; recovery resolution overwrites recovered results.
func (j *ToolJournal) RecordResult(ctx context.Context, batchID turn.BatchID, r tools.Result) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	isErr := 0
	if r.IsError {
		isErr = 1
	}
	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO tool_results (batch_id, tool_call_id, tool_name, content, is_error, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?)
`, int64(batchID), r.CallID, r.Name, r.Content, isErr, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record result %s: %w", r.CallID, err)
	}
	return nil
}

// CommitBatch prunes the batch the proof stands for. Idempotent: the
// batch being gone already is success. Callers must have persisted the
// batch's history messages first.
func (j *ToolJournal) CommitBatch(ctx context.Context, proof CommitProof) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if !proof.Valid() {
		return errors.New("invalid tool batch commit proof")
	}
	return j.deleteBatch(ctx, proof.batchID)
}

// DiscardBatch removes an uncommitted batch that must not be recovered.
func (j *ToolJournal) DiscardBatch(ctx context.Context, batchID turn.BatchID) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	return j.deleteBatch(ctx, batchID)
}

func (j *ToolJournal) deleteBatch(ctx context.Context, batchID turn.BatchID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE batch_id = ?`, int64(batchID)); err != nil {
		return fmt.Errorf("delete tool calls for batch %d: %w", batchID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_results WHERE batch_id = ?`, int64(batchID)); err != nil {
		return fmt.Errorf("delete tool results for batch %d: %w", batchID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_batches WHERE batch_id = ?`, int64(batchID)); err != nil {
		return fmt.Errorf("delete tool batch %d: %w", batchID, err)
	}
	return tx.Commit()
}

// Recover reconstructs the newest uncommitted batch, nil when none
// exists. Malformed journaled arguments are replaced with an empty object
// and reported through CorruptedArgs rather than dropping the call.
func (j *ToolJournal) Recover(ctx context.Context) (*RecoveredToolBatch, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	batchID, err := j.pendingBatchID(ctx)
	if err != nil {
		return nil, err
	}
	if !batchID.Valid() {
		return nil, nil
	}

	rec := &RecoveredToolBatch{
		BatchID:       batchID,
		CallExecution: make(map[string]CallExecution),
		Proof:         CommitProof{batchID: batchID, ok: true},
	}

	var streamStepID int64
	if err := j.db.QueryRowContext(ctx, `
SELECT stream_step_id, model_name, assistant_text
FROM tool_batches
WHERE batch_id = ?
`, int64(batchID)).Scan(&streamStepID, &rec.ModelName, &rec.AssistantText); err != nil {
		return nil, fmt.Errorf("load tool batch %d: %w", batchID, err)
	}
	rec.StreamStepID = turn.StepID(streamStepID)

	if err := j.loadCalls(ctx, rec); err != nil {
		return nil, err
	}
	if err := j.loadResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (j *ToolJournal) loadCalls(ctx context.Context, rec *RecoveredToolBatch) error {
	rows, err := j.db.QueryContext(ctx, `
SELECT tool_call_id, tool_name, arguments_json, process_id, process_started_at_unix_ms
FROM tool_calls
WHERE batch_id = ?
ORDER BY seq ASC
`, int64(rec.BatchID))
	if err != nil {
		return fmt.Errorf("query tool calls for batch %d: %w", rec.BatchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			callID, toolName, argsJSON string
			pid, processStartMs        int64
		)
		if err := rows.Scan(&callID, &toolName, &argsJSON, &pid, &processStartMs); err != nil {
			return err
		}

		args := json.RawMessage(`{}`)
		if trimmed := strings.TrimSpace(argsJSON); trimmed != "" {
			if json.Valid([]byte(trimmed)) {
				args = json.RawMessage(trimmed)
			} else {
				rec.CorruptedArgs = append(rec.CorruptedArgs, callID)
			}
		}
		rec.Calls = append(rec.Calls, tools.Call{ID: callID, Name: toolName, Args: args})

		if pid != 0 {
			rec.CallExecution[callID] = CallExecution{
				Pid:             int(pid),
				StartedAtUnixMs: processStartMs,
			}
		}
	}
	return rows.Err()
}

func (j *ToolJournal) loadResults(ctx context.Context, rec *RecoveredToolBatch) error {
	rows, err := j.db.QueryContext(ctx, `
SELECT tool_call_id, tool_name, content, is_error
FROM tool_results
WHERE batch_id = ?
ORDER BY created_at_unix_ms ASC, tool_call_id ASC
`, int64(rec.BatchID))
	if err != nil {
		return fmt.Errorf("query tool results for batch %d: %w", rec.BatchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			callID, toolName, content string
			isErr                     int
		)
		if err := rows.Scan(&callID, &toolName, &content, &isErr); err != nil {
			return err
		}
		rec.Results = append(rec.Results, tools.Result{
			CallID:  callID,
			Name:    toolName,
			Content: content,
			IsError: isErr != 0,
		})
	}
	return rows.Err()
}

// Reset discards every batch, pending or not. Batch ids are still never
// reused afterwards.
func (j *ToolJournal) Reset(ctx context.Context) error {
	if j == nil || j.db == nil {
		return errors.New("tool journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM tool_calls`,
		`DELETE FROM tool_results`,
		`DELETE FROM tool_batches`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset tool journal: %w", err)
		}
	}
	return tx.Commit()
}

func (j *ToolJournal) pendingBatchID(ctx context.Context) (turn.BatchID, error) {
	var id int64
	err := j.db.QueryRowContext(ctx, `
SELECT batch_id FROM tool_batches
WHERE committed = 0
ORDER BY batch_id DESC
LIMIT 1
`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return turn.BatchID(id), nil
}
