// Package storage is the SQLite index over run records and routing
// decisions. The JSON files under the data directory stay authoritative;
// the index answers "latest run for this conversation" and list queries.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mpataki/courier/internal/models"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers from every worker and keeps an
	// in-memory database alive for tests.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		profile_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		current_step TEXT,
		summary TEXT,
		failure_kind TEXT,
		failure_bound TEXT,
		failure_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		elapsed_ns INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS decisions (
		selector_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		profile_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		fallback INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		payload TEXT NOT NULL,
		decided_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(channel, profile_id, conversation_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS idx_decisions_conversation ON decisions(channel, profile_id, conversation_id, decided_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RunSummary is the indexed projection of a run.
type RunSummary struct {
	RunID       string
	WorkflowID  string
	Origin      models.Origin
	State       models.RunState
	CurrentStep string
	Summary     string
	Failure     *models.Failure
	Attempts    int
	Elapsed     time.Duration
	StartedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// UpsertRun mirrors the run record into the index.
func (s *Storage) UpsertRun(run *models.WorkflowRun, currentStep string) error {
	var kind, bound, message sql.NullString
	if run.Failure != nil {
		kind = sql.NullString{String: string(run.Failure.Kind), Valid: true}
		bound = sql.NullString{String: string(run.Failure.Bound), Valid: run.Failure.Bound != ""}
		message = sql.NullString{String: run.Failure.Message, Valid: true}
	}
	var finished sql.NullInt64
	if run.FinishedAt != nil {
		finished = sql.NullInt64{Int64: run.FinishedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, workflow_id, channel, profile_id, conversation_id, message_id,
			state, current_step, summary, failure_kind, failure_bound, failure_message,
			attempts, elapsed_ns, started_at, updated_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			current_step = excluded.current_step,
			summary = excluded.summary,
			failure_kind = excluded.failure_kind,
			failure_bound = excluded.failure_bound,
			failure_message = excluded.failure_message,
			attempts = excluded.attempts,
			elapsed_ns = excluded.elapsed_ns,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at`,
		run.RunID, run.WorkflowID, run.Origin.Channel, run.Origin.ChannelProfileID,
		run.Origin.ConversationID, run.Origin.MessageID,
		run.State, nullString(currentStep), nullString(run.Summary), kind, bound, message,
		len(run.Attempts), int64(run.Elapsed), run.StartedAt.UnixNano(), run.LastUpdatedAt.UnixNano(), finished,
	)
	if err != nil {
		return fmt.Errorf("failed to index run %s: %w", run.RunID, err)
	}
	return nil
}

const runColumns = `run_id, workflow_id, channel, profile_id, conversation_id, message_id,
	state, current_step, summary, failure_kind, failure_bound, failure_message,
	attempts, elapsed_ns, started_at, updated_at, finished_at`

func (s *Storage) GetRun(runID string) (*RunSummary, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	sum, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.KindNotFound, "get run", "run %s not indexed", runID)
	}
	return sum, err
}

// LatestRunForConversation returns the most recently started run of a
// conversation.
func (s *Storage) LatestRunForConversation(channel, profileID, conversationID string) (*RunSummary, error) {
	row := s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs
		 WHERE channel = ? AND profile_id = ? AND conversation_id = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		channel, profileID, conversationID,
	)
	sum, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Errorf(models.KindNotFound, "latest run",
			"no runs for conversation %s/%s/%s", channel, profileID, conversationID)
	}
	return sum, err
}

// ListRuns returns the newest runs first, optionally filtered by state.
func (s *Storage) ListRuns(limit int, states ...models.RunState) ([]RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE state IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		sum, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunSummary, error) {
	var (
		sum                                   RunSummary
		currentStep, summary                  sql.NullString
		failureKind, failureBound, failureMsg sql.NullString
		elapsed, started, updated             int64
		finished                              sql.NullInt64
	)
	err := row.Scan(
		&sum.RunID, &sum.WorkflowID, &sum.Origin.Channel, &sum.Origin.ChannelProfileID,
		&sum.Origin.ConversationID, &sum.Origin.MessageID,
		&sum.State, &currentStep, &summary, &failureKind, &failureBound, &failureMsg,
		&sum.Attempts, &elapsed, &started, &updated, &finished,
	)
	if err != nil {
		return nil, err
	}

	sum.CurrentStep = currentStep.String
	sum.Summary = summary.String
	sum.Elapsed = time.Duration(elapsed)
	sum.StartedAt = time.Unix(0, started)
	sum.UpdatedAt = time.Unix(0, updated)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		sum.FinishedAt = &t
	}
	if failureKind.Valid {
		sum.Failure = &models.Failure{
			Kind:    models.ErrorKind(failureKind.String),
			Bound:   models.Bound(failureBound.String),
			Message: failureMsg.String,
		}
	}
	return &sum, nil
}

// DecisionRecord is an indexed routing decision.
type DecisionRecord struct {
	SelectorID string
	MessageID  string
	Origin     models.Origin
	Action     models.Action
	Fallback   bool
	Reason     string
	Payload    json.RawMessage
	DecidedAt  time.Time
}

// RecordDecision indexes a decision for the message it routed.
func (s *Storage) RecordDecision(d models.Decision, item models.QueueItem) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO decisions (selector_id, message_id, channel, profile_id, conversation_id,
			action, fallback, reason, payload, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SelectorID, item.MessageID, item.Channel, item.ChannelProfileID, item.ConversationID,
		d.Action(), d.Fallback, nullString(d.Reason), string(payload), d.DecidedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to index decision %s: %w", d.SelectorID, err)
	}
	return nil
}

func (s *Storage) ListDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT selector_id, message_id, channel, profile_id, conversation_id,
			action, fallback, reason, payload, decided_at
		 FROM decisions ORDER BY decided_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var (
			rec     DecisionRecord
			reason  sql.NullString
			payload string
			decided int64
		)
		if err := rows.Scan(&rec.SelectorID, &rec.MessageID, &rec.Origin.Channel,
			&rec.Origin.ChannelProfileID, &rec.Origin.ConversationID,
			&rec.Action, &rec.Fallback, &reason, &payload, &decided); err != nil {
			return nil, err
		}
		rec.Origin.MessageID = rec.MessageID
		rec.Reason = reason.String
		rec.Payload = json.RawMessage(payload)
		rec.DecidedAt = time.Unix(0, decided)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FormatTimeAgo renders a timestamp relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
