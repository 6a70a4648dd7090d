package repo

import (
	"context"
	"database/sql"

	"trustmodel/internal/domain"
)

const sessionColumns = `id,initiator_agent_id,responder_agent_id,status,handshake_state,created_at,last_activity_at,ended_at,COALESCE(end_reason,'')`

func scanSession(scan func(...any) error) (domain.TACPSession, error) {
	var s domain.TACPSession
	var endedAt sql.NullString
	err := scan(&s.ID, &s.InitiatorAgentID, &s.ResponderAgentID, &s.Status, &s.HandshakeState,
		&s.CreatedAt, &s.LastActivityAt, &endedAt, &s.EndReason)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.String
	}
	return s, err
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.TACPSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tacp_sessions(id,initiator_agent_id,responder_agent_id,status,handshake_state,created_at,last_activity_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.InitiatorAgentID, s.ResponderAgentID, s.Status, s.HandshakeState, s.CreatedAt, s.LastActivityAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.TACPSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tacp_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.TACPSession) error {
	res, err := tx.ExecContext(ctx, `UPDATE tacp_sessions SET status=?,handshake_state=?,last_activity_at=?,ended_at=?,end_reason=? WHERE id=?`,
		s.Status, s.HandshakeState, s.LastActivityAt, nullableString(s.EndedAt), nullable(s.EndReason), s.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdleActiveSessions returns active or pending sessions whose last
// activity predates the cutoff. Used by the idle sweeper.
func (r Repo) ListIdleActiveSessions(ctx context.Context, cutoff string) ([]domain.TACPSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM tacp_sessions WHERE status IN (?,?) AND last_activity_at < ?`,
		domain.SessionPending, domain.SessionActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TACPSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.SessionMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO session_messages(id,session_id,sender_agent_id,recipient_agent_id,message_type,payload_json,signature,sequence_number,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.SessionID, m.SenderAgentID, m.RecipientAgentID, m.MessageType, m.PayloadJSON, nullable(m.Signature), m.SequenceNumber, m.CreatedAt)
	return err
}

// NextSequenceNumber reserves the next per-session sequence number inside
// the caller's transaction. Assignment is manager-side; clients never pick.
func (r Repo) NextSequenceNumber(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number),0)+1 FROM session_messages WHERE session_id=?`, sessionID).Scan(&next)
	return next, err
}

func (r Repo) ListMessages(ctx context.Context, sessionID string) ([]domain.SessionMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,sender_agent_id,recipient_agent_id,message_type,payload_json,COALESCE(signature,''),sequence_number,created_at FROM session_messages WHERE session_id=? ORDER BY sequence_number`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SessionMessage
	for rows.Next() {
		var m domain.SessionMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderAgentID, &m.RecipientAgentID, &m.MessageType, &m.PayloadJSON, &m.Signature, &m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTask(ctx context.Context, tx *sql.Tx, t domain.DelegatedTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO delegated_tasks(session_id,task_id,status,last_progress,fail_reason,updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(session_id,task_id) DO UPDATE SET status=excluded.status,last_progress=excluded.last_progress,fail_reason=excluded.fail_reason,updated_at=excluded.updated_at`,
		t.SessionID, t.TaskID, t.Status, t.LastProgress, nullable(t.FailReason), t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, sessionID, taskID string) (domain.DelegatedTask, error) {
	var t domain.DelegatedTask
	err := tx.QueryRowContext(ctx, `SELECT session_id,task_id,status,last_progress,COALESCE(fail_reason,''),updated_at FROM delegated_tasks WHERE session_id=? AND task_id=?`, sessionID, taskID).
		Scan(&t.SessionID, &t.TaskID, &t.Status, &t.LastProgress, &t.FailReason, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListOpenTasks returns requested/running tasks for a session, inside the
// caller's transaction so session end can fail them atomically.
func (r Repo) ListOpenTasks(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.DelegatedTask, error) {
	rows, err := tx.QueryContext(ctx, `SELECT session_id,task_id,status,last_progress,COALESCE(fail_reason,''),updated_at FROM delegated_tasks WHERE session_id=? AND status IN (?,?)`,
		sessionID, domain.TaskRequested, domain.TaskRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DelegatedTask
	for rows.Next() {
		var t domain.DelegatedTask
		if err := rows.Scan(&t.SessionID, &t.TaskID, &t.Status, &t.LastProgress, &t.FailReason, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasks(ctx context.Context, sessionID string) ([]domain.DelegatedTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,task_id,status,last_progress,COALESCE(fail_reason,''),updated_at FROM delegated_tasks WHERE session_id=? ORDER BY task_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DelegatedTask
	for rows.Next() {
		var t domain.DelegatedTask
		if err := rows.Scan(&t.SessionID, &t.TaskID, &t.Status, &t.LastProgress, &t.FailReason, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
