// ABOUTME: SQLite-backed Storage Engine for sessions/rounds/requests/responses/turns.
// ABOUTME: Single-writer/multi-reader with WAL, enforced foreign keys, and transactional mutations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/strangelove-ventures/mandrake/internal/merr"
)

// Engine is the embedded relational store described in SPEC_FULL.md §4.1.
// One Engine is opened per workspace.
type Engine struct {
	db  *sql.DB
	bus *changeBus
}

// OpenEngine opens or creates the session database at path, enabling WAL
// journaling and foreign key enforcement, then runs the idempotent schema.
func OpenEngine(path string) (*Engine, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, merr.Storage("open sqlite database", err)
	}
	// Single-writer discipline: the sqlite3 driver serializes writers at the
	// file-lock level; capping open connections avoids SQLITE_BUSY storms
	// under WAL while still allowing concurrent readers.
	db.SetMaxOpenConns(8)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, merr.Storage("enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, merr.Storage("enable foreign keys", err)
	}

	e := &Engine{db: db, bus: newChangeBus()}
	if err := e.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT,
		title TEXT,
		description TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS responses (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		round_index INTEGER NOT NULL,
		request_id TEXT NOT NULL REFERENCES requests(id),
		response_id TEXT NOT NULL REFERENCES responses(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(session_id, round_index)
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		response_id TEXT NOT NULL REFERENCES responses(id) ON DELETE CASCADE,
		turn_index INTEGER NOT NULL,
		raw_response TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '[]',
		tool_calls TEXT NOT NULL DEFAULT '[]',
		metrics_input INTEGER NOT NULL DEFAULT 0,
		metrics_output INTEGER NOT NULL DEFAULT 0,
		metrics_cache_read INTEGER,
		metrics_cache_write INTEGER,
		metrics_cost REAL NOT NULL DEFAULT 0,
		finalized INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(response_id, turn_index)
	);
	`
	if _, err := e.db.Exec(schema); err != nil {
		return merr.Storage("create schema", err)
	}
	return nil
}

// Close closes the database handle and the change-event bus.
func (e *Engine) Close() error {
	e.bus.Close()
	if err := e.db.Close(); err != nil {
		return merr.Storage("close database", err)
	}
	return nil
}

// Subscribe registers for ChangeEvents on sessionID.
func (e *Engine) Subscribe(sessionID string) <-chan ChangeEvent {
	return e.bus.Subscribe(sessionID)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (e *Engine) Unsubscribe(sessionID string, ch <-chan ChangeEvent) {
	e.bus.Unsubscribe(sessionID, ch)
}

const timeLayout = time.RFC3339Nano

func now() string { return time.Now().UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateSession inserts a new Session row.
func (e *Engine) CreateSession(ctx context.Context, workspaceID, title, description string, metadata map[string]string) (*Session, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, merr.Validation("encode session metadata: " + err.Error())
	}

	id := uuid.New().String()
	ts := now()

	_, err = e.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, title, description, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, nullableString(workspaceID), nullableString(title), nullableString(description), string(metaJSON), ts, ts)
	if err != nil {
		return nil, merr.Storage("insert session", err)
	}

	sess := &Session{
		ID: id, WorkspaceID: workspaceID, Title: title, Description: description,
		Metadata: metadata, CreatedAt: parseTime(ts), UpdatedAt: parseTime(ts),
	}
	e.bus.Publish(ChangeEvent{Type: ChangeCreated, SessionID: id, Snapshot: mustHistory(sess, nil)})
	return sess, nil
}

// GetSession fetches a single Session by id.
func (e *Engine) GetSession(ctx context.Context, id string) (*Session, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, description, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		s                             Session
		workspaceID, title, desc, md  sql.NullString
		createdAt, updatedAt          string
	)
	if err := row.Scan(&s.ID, &workspaceID, &title, &desc, &md, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, merr.NotFound("session not found")
		}
		return nil, merr.Storage("scan session", err)
	}
	s.WorkspaceID = workspaceID.String
	s.Title = title.String
	s.Description = desc.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.Metadata = map[string]string{}
	if md.Valid && md.String != "" {
		_ = json.Unmarshal([]byte(md.String), &s.Metadata)
	}
	return &s, nil
}

// ListSessions returns sessions ordered by createdAt desc, optionally
// filtered by workspace and paginated.
func (e *Engine) ListSessions(ctx context.Context, q ListSessionsQuery) ([]Session, error) {
	query := `SELECT id, workspace_id, title, description, metadata, created_at, updated_at FROM sessions`
	var args []any
	if q.WorkspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, q.WorkspaceID)
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merr.Storage("list sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                            Session
			workspaceID, title, desc, md sql.NullString
			createdAt, updatedAt         string
		)
		if err := rows.Scan(&s.ID, &workspaceID, &title, &desc, &md, &createdAt, &updatedAt); err != nil {
			return nil, merr.Storage("scan session row", err)
		}
		s.WorkspaceID = workspaceID.String
		s.Title = title.String
		s.Description = desc.String
		s.CreatedAt = parseTime(createdAt)
		s.UpdatedAt = parseTime(updatedAt)
		s.Metadata = map[string]string{}
		if md.Valid && md.String != "" {
			_ = json.Unmarshal([]byte(md.String), &s.Metadata)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateSession applies a partial update and returns the refreshed row.
func (e *Engine) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*Session, error) {
	sess, err := e.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Description != nil {
		sess.Description = *patch.Description
	}
	if patch.Metadata != nil {
		sess.Metadata = patch.Metadata
	}
	ts := now()
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, merr.Validation("encode session metadata: " + err.Error())
	}

	_, err = e.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, description = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		nullableString(sess.Title), nullableString(sess.Description), string(metaJSON), ts, id)
	if err != nil {
		return nil, merr.Storage("update session", err)
	}
	sess.UpdatedAt = parseTime(ts)

	hist, err := e.GetSessionHistory(ctx, id)
	if err == nil {
		e.bus.Publish(ChangeEvent{Type: ChangeUpdated, SessionID: id, Snapshot: hist})
	}
	return sess, nil
}

// DeleteSession removes a session and all descendant rows transactionally.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return merr.Storage("begin delete transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT request_id, response_id FROM rounds WHERE session_id = ?`, id)
	if err != nil {
		return merr.Storage("query rounds for delete", err)
	}
	var requestIDs, responseIDs []string
	for rows.Next() {
		var reqID, respID string
		if err := rows.Scan(&reqID, &respID); err != nil {
			rows.Close()
			return merr.Storage("scan round for delete", err)
		}
		requestIDs = append(requestIDs, reqID)
		responseIDs = append(responseIDs, respID)
	}
	rows.Close()

	// turns cascade via FK on response_id; rounds cascade via FK on session_id.
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return merr.Storage("delete session", err)
	}
	for _, respID := range responseIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE id = ?`, respID); err != nil {
			return merr.Storage("delete response", err)
		}
	}
	for _, reqID := range requestIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, reqID); err != nil {
			return merr.Storage("delete request", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return merr.Storage("commit delete transaction", err)
	}
	e.bus.Publish(ChangeEvent{Type: ChangeDeleted, SessionID: id})
	return nil
}

// StartRound atomically inserts a Request, a Response, and a Round whose
// index is one past the session's current maximum (or 0 for the first
// round), per invariant 1 in §3.
func (e *Engine) StartRound(ctx context.Context, sessionID, requestContent string) (*Round, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, merr.Storage("begin start-round transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, merr.Storage("check session exists", err)
	}
	if exists == 0 {
		return nil, merr.NotFound("session not found: " + sessionID)
	}

	var maxIndex sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(round_index) FROM rounds WHERE session_id = ?`, sessionID).Scan(&maxIndex); err != nil {
		return nil, merr.Storage("compute next round index", err)
	}
	nextIndex := 0
	if maxIndex.Valid {
		nextIndex = int(maxIndex.Int64) + 1
	}

	ts := now()
	requestID := uuid.New().String()
	responseID := uuid.New().String()
	roundID := uuid.New().String()

	if _, err := tx.ExecContext(ctx, `INSERT INTO requests (id, content, created_at) VALUES (?, ?, ?)`, requestID, requestContent, ts); err != nil {
		return nil, merr.Storage("insert request", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO responses (id, created_at) VALUES (?, ?)`, responseID, ts); err != nil {
		return nil, merr.Storage("insert response", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rounds (id, session_id, round_index, request_id, response_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		roundID, sessionID, nextIndex, requestID, responseID, ts, ts); err != nil {
		return nil, merr.Storage("insert round", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return nil, merr.Storage("touch session", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, merr.Storage("commit start-round transaction", err)
	}

	round := &Round{
		ID: roundID, SessionID: sessionID, Index: nextIndex,
		RequestID: requestID, ResponseID: responseID,
		CreatedAt: parseTime(ts), UpdatedAt: parseTime(ts),
	}

	if hist, err := e.GetSessionHistory(ctx, sessionID); err == nil {
		e.bus.Publish(ChangeEvent{Type: ChangeUpdated, SessionID: sessionID, Snapshot: hist})
	}
	return round, nil
}

// AppendTurn atomically inserts a new Turn whose index is one past the
// response's current maximum (invariant 2, §3).
func (e *Engine) AppendTurn(ctx context.Context, responseID string, partial TurnPartial) (*Turn, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, merr.Storage("begin append-turn transaction", err)
	}
	defer tx.Rollback()

	var maxIndex sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(turn_index) FROM turns WHERE response_id = ?`, responseID).Scan(&maxIndex); err != nil {
		return nil, merr.Storage("compute next turn index", err)
	}
	nextIndex := 0
	if maxIndex.Valid {
		nextIndex = int(maxIndex.Int64) + 1
	}

	turn := Turn{
		ResponseID: responseID,
		Index:      nextIndex,
	}
	applyTurnPartial(&turn, partial)

	contentJSON, err := json.Marshal(turn.Content)
	if err != nil {
		return nil, merr.Validation("encode turn content: " + err.Error())
	}
	toolCallsJSON, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return nil, merr.Validation("encode turn tool calls: " + err.Error())
	}

	id := uuid.New().String()
	ts := now()
	if err := insertTurnRow(ctx, tx, id, turn, contentJSON, toolCallsJSON, ts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, merr.Storage("commit append-turn transaction", err)
	}

	turn.ID = id
	turn.CreatedAt = parseTime(ts)
	turn.UpdatedAt = parseTime(ts)

	e.publishForResponse(ctx, responseID)
	return &turn, nil
}

func insertTurnRow(ctx context.Context, tx *sql.Tx, id string, turn Turn, contentJSON, toolCallsJSON []byte, ts string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, response_id, turn_index, raw_response, content, tool_calls,
			metrics_input, metrics_output, metrics_cache_read, metrics_cache_write, metrics_cost,
			finalized, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, turn.ResponseID, turn.Index, turn.RawResponse, string(contentJSON), string(toolCallsJSON),
		turn.Metrics.InputTokens, turn.Metrics.OutputTokens,
		nullableInt(turn.Metrics.CacheReadTokens), nullableInt(turn.Metrics.CacheWriteTokens), turn.Metrics.Cost,
		boolToInt(turn.Finalized), ts, ts)
	if err != nil {
		return merr.Storage("insert turn", err)
	}
	return nil
}

func applyTurnPartial(turn *Turn, partial TurnPartial) {
	if partial.RawResponse != nil {
		turn.RawResponse = *partial.RawResponse
	}
	if partial.Content != nil {
		turn.Content = partial.Content
	}
	if partial.ToolCalls != nil {
		turn.ToolCalls = partial.ToolCalls
	}
	if partial.Metrics != nil && !turn.Finalized {
		turn.Metrics = *partial.Metrics
		turn.Finalized = true
	}
}

// UpdateTurn applies a partial update to an existing turn; used during
// streaming to grow raw/content/toolCalls and, on stream end, to write
// final metrics (which finalizes the turn). Metrics passed for an
// already-finalized turn are ignored.
func (e *Engine) UpdateTurn(ctx context.Context, id string, patch TurnPartial) error {
	row := e.db.QueryRowContext(ctx,
		`SELECT response_id, turn_index, raw_response, content, tool_calls,
			metrics_input, metrics_output, metrics_cache_read, metrics_cache_write, metrics_cost, finalized
		 FROM turns WHERE id = ?`, id)

	turn, err := scanTurnRow(row, id)
	if err != nil {
		return err
	}

	applyTurnPartial(turn, patch)

	contentJSON, err := json.Marshal(turn.Content)
	if err != nil {
		return merr.Validation("encode turn content: " + err.Error())
	}
	toolCallsJSON, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return merr.Validation("encode turn tool calls: " + err.Error())
	}
	ts := now()

	_, err = e.db.ExecContext(ctx,
		`UPDATE turns SET raw_response = ?, content = ?, tool_calls = ?,
			metrics_input = ?, metrics_output = ?, metrics_cache_read = ?, metrics_cache_write = ?, metrics_cost = ?,
			finalized = ?, updated_at = ?
		 WHERE id = ?`,
		turn.RawResponse, string(contentJSON), string(toolCallsJSON),
		turn.Metrics.InputTokens, turn.Metrics.OutputTokens,
		nullableInt(turn.Metrics.CacheReadTokens), nullableInt(turn.Metrics.CacheWriteTokens), turn.Metrics.Cost,
		boolToInt(turn.Finalized), ts, id)
	if err != nil {
		return merr.Storage("update turn", err)
	}

	e.publishForResponse(ctx, turn.ResponseID)
	return nil
}

func scanTurnRow(row *sql.Row, id string) (*Turn, error) {
	var (
		t                          Turn
		contentJSON, toolCallsJSON string
		cacheRead, cacheWrite      sql.NullInt64
		finalized                  int
	)
	t.ID = id
	if err := row.Scan(&t.ResponseID, &t.Index, &t.RawResponse, &contentJSON, &toolCallsJSON,
		&t.Metrics.InputTokens, &t.Metrics.OutputTokens, &cacheRead, &cacheWrite, &t.Metrics.Cost, &finalized); err != nil {
		if err == sql.ErrNoRows {
			return nil, merr.NotFound("turn not found: " + id)
		}
		return nil, merr.Storage("scan turn", err)
	}
	if cacheRead.Valid {
		v := int(cacheRead.Int64)
		t.Metrics.CacheReadTokens = &v
	}
	if cacheWrite.Valid {
		v := int(cacheWrite.Int64)
		t.Metrics.CacheWriteTokens = &v
	}
	t.Finalized = finalized != 0
	_ = json.Unmarshal([]byte(contentJSON), &t.Content)
	_ = json.Unmarshal([]byte(toolCallsJSON), &t.ToolCalls)
	return &t, nil
}

// publishForResponse resolves the owning session of a response and
// publishes a ChangeUpdated event with the fresh snapshot. Failures are
// swallowed (best-effort notification; the write itself already committed).
func (e *Engine) publishForResponse(ctx context.Context, responseID string) {
	var sessionID string
	err := e.db.QueryRowContext(ctx,
		`SELECT session_id FROM rounds WHERE response_id = ?`, responseID).Scan(&sessionID)
	if err != nil {
		return
	}
	if hist, err := e.GetSessionHistory(ctx, sessionID); err == nil {
		e.bus.Publish(ChangeEvent{Type: ChangeUpdated, SessionID: sessionID, Snapshot: hist})
	}
}

// GetSessionHistory returns the session plus all rounds in index order,
// each with its request and ordered response turns. Runs inside a single
// transaction so concurrent appends in other sessions cannot produce a
// torn read (§5 Session history assembly).
func (e *Engine) GetSessionHistory(ctx context.Context, id string) (*SessionHistory, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, merr.Storage("begin history transaction", err)
	}
	defer tx.Rollback()

	sessRow := tx.QueryRowContext(ctx,
		`SELECT id, workspace_id, title, description, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(sessRow)
	if err != nil {
		return nil, err
	}

	roundRows, err := tx.QueryContext(ctx,
		`SELECT id, round_index, request_id, response_id, created_at, updated_at FROM rounds WHERE session_id = ? ORDER BY round_index ASC`, id)
	if err != nil {
		return nil, merr.Storage("query rounds", err)
	}

	var rounds []Round
	for roundRows.Next() {
		var r Round
		var createdAt, updatedAt string
		if err := roundRows.Scan(&r.ID, &r.Index, &r.RequestID, &r.ResponseID, &createdAt, &updatedAt); err != nil {
			roundRows.Close()
			return nil, merr.Storage("scan round", err)
		}
		r.SessionID = id
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		rounds = append(rounds, r)
	}
	roundRows.Close()
	if err := roundRows.Err(); err != nil {
		return nil, merr.Storage("iterate rounds", err)
	}

	history := &SessionHistory{Session: *sess}
	for _, r := range rounds {
		rh, err := loadRoundHistory(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		history.Rounds = append(history.Rounds, *rh)
	}

	if err := tx.Commit(); err != nil {
		return nil, merr.Storage("commit history transaction", err)
	}
	return history, nil
}

func loadRoundHistory(ctx context.Context, tx *sql.Tx, r Round) (*RoundHistory, error) {
	var req Request
	var reqCreated string
	if err := tx.QueryRowContext(ctx, `SELECT id, content, created_at FROM requests WHERE id = ?`, r.RequestID).
		Scan(&req.ID, &req.Content, &reqCreated); err != nil {
		return nil, merr.Storage("load request", err)
	}
	req.CreatedAt = parseTime(reqCreated)

	var resp Response
	var respCreated string
	if err := tx.QueryRowContext(ctx, `SELECT id, created_at FROM responses WHERE id = ?`, r.ResponseID).
		Scan(&resp.ID, &respCreated); err != nil {
		return nil, merr.Storage("load response", err)
	}
	resp.CreatedAt = parseTime(respCreated)

	turnRows, err := tx.QueryContext(ctx,
		`SELECT id, turn_index, raw_response, content, tool_calls,
			metrics_input, metrics_output, metrics_cache_read, metrics_cache_write, metrics_cost, finalized, created_at, updated_at
		 FROM turns WHERE response_id = ? ORDER BY turn_index ASC`, r.ResponseID)
	if err != nil {
		return nil, merr.Storage("query turns", err)
	}
	defer turnRows.Close()

	var turns []Turn
	for turnRows.Next() {
		var (
			t                          Turn
			contentJSON, toolCallsJSON string
			cacheRead, cacheWrite      sql.NullInt64
			finalized                  int
			createdAt, updatedAt       string
		)
		if err := turnRows.Scan(&t.ID, &t.Index, &t.RawResponse, &contentJSON, &toolCallsJSON,
			&t.Metrics.InputTokens, &t.Metrics.OutputTokens, &cacheRead, &cacheWrite, &t.Metrics.Cost,
			&finalized, &createdAt, &updatedAt); err != nil {
			return nil, merr.Storage("scan turn row", err)
		}
		t.ResponseID = r.ResponseID
		if cacheRead.Valid {
			v := int(cacheRead.Int64)
			t.Metrics.CacheReadTokens = &v
		}
		if cacheWrite.Valid {
			v := int(cacheWrite.Int64)
			t.Metrics.CacheWriteTokens = &v
		}
		t.Finalized = finalized != 0
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		_ = json.Unmarshal([]byte(contentJSON), &t.Content)
		_ = json.Unmarshal([]byte(toolCallsJSON), &t.ToolCalls)
		turns = append(turns, t)
	}
	if err := turnRows.Err(); err != nil {
		return nil, merr.Storage("iterate turns", err)
	}

	return &RoundHistory{Round: r, Request: req, Response: resp, Turns: turns}, nil
}

// SessionMetrics sums tokens and cost across all turns in a session and
// counts rounds/turns.
func (e *Engine) SessionMetrics(ctx context.Context, id string) (*AggregatedMetrics, error) {
	hist, err := e.GetSessionHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	var m AggregatedMetrics
	m.RoundCount = len(hist.Rounds)
	for _, rh := range hist.Rounds {
		m.TurnCount += len(rh.Turns)
		for _, t := range rh.Turns {
			m.TotalInputTokens += t.Metrics.InputTokens
			m.TotalOutputTokens += t.Metrics.OutputTokens
			if t.Metrics.CacheReadTokens != nil {
				m.TotalCacheReadTokens += *t.Metrics.CacheReadTokens
			}
			if t.Metrics.CacheWriteTokens != nil {
				m.TotalCacheWriteTokens += *t.Metrics.CacheWriteTokens
			}
			m.TotalCost += t.Metrics.Cost
		}
	}
	if m.RoundCount > 0 {
		m.AverageTurnsPerRound = float64(m.TurnCount) / float64(m.RoundCount)
	}
	return &m, nil
}

// Stats reports gross row counts for operational visibility (expansion, §4).
type Stats struct {
	SessionCount int
	RoundCount   int
	TurnCount    int
}

func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions`).Scan(&s.SessionCount); err != nil {
		return nil, merr.Storage("count sessions", err)
	}
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM rounds`).Scan(&s.RoundCount); err != nil {
		return nil, merr.Storage("count rounds", err)
	}
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM turns`).Scan(&s.TurnCount); err != nil {
		return nil, merr.Storage("count turns", err)
	}
	return &s, nil
}

// Vacuum reclaims space after heavy deletion (expansion, §4).
func (e *Engine) Vacuum(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, `VACUUM`); err != nil {
		return merr.Storage("vacuum", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mustHistory builds a minimal SessionHistory snapshot for a just-created
// session (no rounds yet) without a second round-trip to the database.
func mustHistory(sess *Session, rounds []RoundHistory) *SessionHistory {
	return &SessionHistory{Session: *sess, Rounds: rounds}
}
