package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/agentloop/internal/turn"
)

var (
	// ErrSessionActive is returned by BeginSession while this handle
	// already owns an in-flight step.
	ErrSessionActive = errors.New("stream session already active")
	// ErrUnsealedStepExists is returned by BeginSession while unsealed
	// rows from a previous run remain on disk. Starting over them would
	// silently lose a still-recoverable turn.
	ErrUnsealedStepExists = errors.New("unsealed stream step exists")
	// ErrNoActiveSession is returned by appends outside a session.
	ErrNoActiveSession = errors.New("no active stream session")
)

// StreamOutcome says how an unsealed step's log ended.
type StreamOutcome string

const (
	// StreamComplete: the log carries a terminal done marker; the stream
	// finished but the turn was never committed to history.
	StreamComplete StreamOutcome = "complete"
	// StreamIncomplete: the log just stops; the process died mid-stream.
	StreamIncomplete StreamOutcome = "incomplete"
	// StreamErrored: the log carries an error marker.
	StreamErrored StreamOutcome = "errored"
)

// RecoveredStream is the replayable record of an unsealed streaming step.
type RecoveredStream struct {
	StepID      turn.StepID
	Outcome     StreamOutcome
	PartialText string
	LastSeq     int64
	ModelName   string
	// ErrMessage is set when Outcome is StreamErrored.
	ErrMessage string
}

// StreamJournal is the durable append log for one streaming session.
//
// Every delta is written here before it is accumulated or displayed, so a
// crash at any point leaves a replayable partial record. The handle is
// owned by the single engine driver; methods are not safe for concurrent
// use.
type StreamJournal struct {
	db          *sql.DB
	activeStep  turn.StepID
	activeModel string
	nextSeq     int64
}

// OpenStream opens or creates the stream journal database at path.
func OpenStream(path string) (*StreamJournal, error) {
	db, err := openDB(path, migrateStreamSchema)
	if err != nil {
		return nil, err
	}
	return &StreamJournal{db: db}, nil
}

func (j *StreamJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func migrateStreamSchema(db *sql.DB) error {
	const targetVersion = 1
	return migrateTo(db, targetVersion, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS stream_steps (
  step_id INTEGER NOT NULL,
  model_name TEXT NOT NULL DEFAULT '',
  seq INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  sealed INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(step_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_stream_steps_unsealed ON stream_steps(sealed) WHERE sealed = 0;

CREATE TABLE IF NOT EXISTS step_counter (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  next_step_id INTEGER NOT NULL DEFAULT 1
);
INSERT OR IGNORE INTO step_counter (id, next_step_id) VALUES (1, 1);
`)
		return err
	})
}

// BeginSession allocates a fresh step id and makes it this handle's
// active step. At most one unsealed session may exist: it fails with
// ErrSessionActive while a session is in flight and with
// ErrUnsealedStepExists while unsealed rows remain on disk.
func (j *StreamJournal) BeginSession(ctx context.Context, model string) (turn.StepID, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if j.activeStep.Valid() {
		return 0, fmt.Errorf("%w: step %d", ErrSessionActive, j.activeStep)
	}
	unsealed, _, err := j.latestUnsealedStep(ctx)
	if err != nil {
		return 0, err
	}
	if unsealed.Valid() {
		return 0, fmt.Errorf("%w: step %d", ErrUnsealedStepExists, unsealed)
	}

	id, err := j.nextStepID(ctx)
	if err != nil {
		return 0, err
	}
	j.activeStep = id
	j.activeModel = strings.TrimSpace(model)
	j.nextSeq = 1
	return id, nil
}

// ActiveStep returns the in-flight step id, zero when idle.
func (j *StreamJournal) ActiveStep() turn.StepID {
	if j == nil {
		return 0
	}
	return j.activeStep
}

// AppendTextDelta persists one text delta for the active step. The row is
// durable on return; callers apply the delta only afterwards.
func (j *StreamJournal) AppendTextDelta(ctx context.Context, stepID turn.StepID, content string) error {
	return j.appendEvent(ctx, stepID, "text_delta", content)
}

// AppendDone records the terminal marker of a cleanly finished stream.
func (j *StreamJournal) AppendDone(ctx context.Context, stepID turn.StepID) error {
	return j.appendEvent(ctx, stepID, "done", "")
}

// AppendError records the stream's error marker and message.
func (j *StreamJournal) AppendError(ctx context.Context, stepID turn.StepID, message string) error {
	return j.appendEvent(ctx, stepID, "error", message)
}

func (j *StreamJournal) appendEvent(ctx context.Context, stepID turn.StepID, eventType string, content string) error {
	if j == nil || j.db == nil {
		return errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := j.ensureActive(stepID); err != nil {
		return err
	}

	seq := j.nextSeq
	_, err := j.db.ExecContext(ctx, `
INSERT INTO stream_steps (step_id, model_name, seq, event_type, content, created_at_unix_ms, sealed)
VALUES (?, ?, ?, ?, ?, ?, 0)
`, int64(stepID), j.activeModel, seq, eventType, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append %s for step %d seq %d: %w", eventType, stepID, seq, err)
	}
	j.nextSeq++
	return nil
}

func (j *StreamJournal) ensureActive(stepID turn.StepID) error {
	switch {
	case !j.activeStep.Valid():
		return ErrNoActiveSession
	case j.activeStep != stepID:
		return fmt.Errorf("active step %d does not match %d", j.activeStep, stepID)
	}
	return nil
}

// SealUnsealed marks every unsealed row of stepID sealed and returns the
// text accumulated so far. Sealing the active step ends the session; a
// recovered step may be sealed while the handle is idle.
func (j *StreamJournal) SealUnsealed(ctx context.Context, stepID turn.StepID) (string, error) {
	if j == nil || j.db == nil {
		return "", errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if j.activeStep.Valid() && j.activeStep != stepID {
		return "", fmt.Errorf("active step %d does not match %d", j.activeStep, stepID)
	}

	text, err := j.collectText(ctx, stepID)
	if err != nil {
		return "", err
	}
	if _, err := j.db.ExecContext(ctx, `
UPDATE stream_steps SET sealed = 1 WHERE step_id = ? AND sealed = 0
`, int64(stepID)); err != nil {
		return "", fmt.Errorf("seal step %d: %w", stepID, err)
	}
	if j.activeStep == stepID {
		j.clearActive()
	}
	return text, nil
}

// ReleaseSession detaches the handle from its active step without
// sealing or deleting anything. The step's unsealed rows stay on disk
// and recoverable; used when history could not accept the finished turn.
func (j *StreamJournal) ReleaseSession() {
	if j == nil {
		return
	}
	j.clearActive()
}

// DiscardStep deletes stepID's unsealed rows. Used when partial output
// must not be recovered (cancel, empty response).
func (j *StreamJournal) DiscardStep(ctx context.Context, stepID turn.StepID) error {
	if j == nil || j.db == nil {
		return errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := j.db.ExecContext(ctx, `
DELETE FROM stream_steps WHERE step_id = ? AND sealed = 0
`, int64(stepID)); err != nil {
		return fmt.Errorf("discard step %d: %w", stepID, err)
	}
	if j.activeStep == stepID {
		j.clearActive()
	}
	return nil
}

// CommitAndPruneStep removes every row for stepID, sealed or not.
// Idempotent: pruning an already-pruned step succeeds without touching
// anything. Callers must have persisted history for the step first;
// commit-then-prune ordering is what makes recovery idempotent.
func (j *StreamJournal) CommitAndPruneStep(ctx context.Context, stepID turn.StepID) error {
	if j == nil || j.db == nil {
		return errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := j.db.ExecContext(ctx, `
DELETE FROM stream_steps WHERE step_id = ?
`, int64(stepID)); err != nil {
		return fmt.Errorf("commit and prune step %d: %w", stepID, err)
	}
	if j.activeStep == stepID {
		j.clearActive()
	}
	return nil
}

// Recover reconstructs the newest unsealed step, nil when everything is
// sealed or pruned. The outcome is read off the log's terminal marker: an
// error row wins, then a done row, otherwise the stream is incomplete.
func (j *StreamJournal) Recover(ctx context.Context) (*RecoveredStream, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if j.activeStep.Valid() {
		return nil, nil
	}

	stepID, lastSeq, err := j.latestUnsealedStep(ctx)
	if err != nil {
		return nil, err
	}
	if !stepID.Valid() {
		return nil, nil
	}

	partial, err := j.collectText(ctx, stepID)
	if err != nil {
		return nil, err
	}
	model, err := j.stepModel(ctx, stepID)
	if err != nil {
		return nil, err
	}

	rec := &RecoveredStream{
		StepID:      stepID,
		Outcome:     StreamIncomplete,
		PartialText: partial,
		LastSeq:     lastSeq,
		ModelName:   model,
	}

	errMsg, errored, err := j.latestError(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if errored {
		rec.Outcome = StreamErrored
		rec.ErrMessage = errMsg
		return rec, nil
	}

	done, err := j.hasDone(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if done {
		rec.Outcome = StreamComplete
	}
	return rec, nil
}

// Reset discards every row, sealed or not. The step counter is preserved
// so ids are never reused. This is the explicit out-of-band escape hatch
// behind -reset-journals.
func (j *StreamJournal) Reset(ctx context.Context) error {
	if j == nil || j.db == nil {
		return errors.New("stream journal not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM stream_steps`); err != nil {
		return fmt.Errorf("reset stream journal: %w", err)
	}
	j.clearActive()
	return nil
}

func (j *StreamJournal) clearActive() {
	j.activeStep = 0
	j.activeModel = ""
	j.nextSeq = 0
}

func (j *StreamJournal) nextStepID(ctx context.Context) (turn.StepID, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if err := tx.QueryRowContext(ctx, `
SELECT next_step_id FROM step_counter WHERE id = 1
`).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE step_counter SET next_step_id = next_step_id + 1 WHERE id = 1
`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return turn.StepID(id), nil
}

func (j *StreamJournal) latestUnsealedStep(ctx context.Context) (turn.StepID, int64, error) {
	var stepID, lastSeq int64
	err := j.db.QueryRowContext(ctx, `
SELECT step_id, MAX(seq)
FROM stream_steps
WHERE sealed = 0
GROUP BY step_id
ORDER BY step_id DESC
LIMIT 1
`).Scan(&stepID, &lastSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return turn.StepID(stepID), lastSeq, nil
}

func (j *StreamJournal) collectText(ctx context.Context, stepID turn.StepID) (string, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT content FROM stream_steps
WHERE step_id = ? AND event_type = 'text_delta'
ORDER BY seq ASC
`, int64(stepID))
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", err
		}
		b.WriteString(content)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (j *StreamJournal) stepModel(ctx context.Context, stepID turn.StepID) (string, error) {
	var model string
	err := j.db.QueryRowContext(ctx, `
SELECT model_name FROM stream_steps
WHERE step_id = ?
ORDER BY seq DESC
LIMIT 1
`, int64(stepID)).Scan(&model)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return model, nil
}

func (j *StreamJournal) latestError(ctx context.Context, stepID turn.StepID) (string, bool, error) {
	var msg string
	err := j.db.QueryRowContext(ctx, `
SELECT content FROM stream_steps
WHERE step_id = ? AND event_type = 'error' AND sealed = 0
ORDER BY seq DESC
LIMIT 1
`, int64(stepID)).Scan(&msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return msg, true, nil
}

func (j *StreamJournal) hasDone(ctx context.Context, stepID turn.StepID) (bool, error) {
	var one int
	err := j.db.QueryRowContext(ctx, `
SELECT 1 FROM stream_steps
WHERE step_id = ? AND sealed = 0 AND event_type = 'done'
LIMIT 1
`, int64(stepID)).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
