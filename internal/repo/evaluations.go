package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trustmodel/internal/domain"
)

const runColumns = `id,agent_id,status,suites_json,suite_scores_json,overall_score,grade,COALESCE(fail_reason,''),results_json,started_at,completed_at,created_at`

func scanRun(scan func(...any) error) (domain.EvaluationRun, error) {
	var run domain.EvaluationRun
	var suitesJSON string
	var suiteScores, results sql.NullString
	var overall sql.NullFloat64
	var grade, startedAt, completedAt sql.NullString
	err := scan(&run.ID, &run.AgentID, &run.Status, &suitesJSON, &suiteScores,
		&overall, &grade, &run.FailReason, &results, &startedAt, &completedAt, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := unmarshalJSON(sql.NullString{String: suitesJSON, Valid: true}, &run.Suites); err != nil {
		return run, fmt.Errorf("decode suites: %w", err)
	}
	if err := unmarshalJSON(suiteScores, &run.SuiteScores); err != nil {
		return run, fmt.Errorf("decode suite scores: %w", err)
	}
	if err := unmarshalJSON(results, &run.Results); err != nil {
		return run, fmt.Errorf("decode results: %w", err)
	}
	if overall.Valid {
		run.OverallScore = &overall.Float64
	}
	if grade.Valid {
		run.Grade = &grade.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.EvaluationRun) error {
	suites, err := marshalJSON(run.Suites)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO evaluation_runs(id,agent_id,status,suites_json,created_at) VALUES (?,?,?,?,?)`,
		run.ID, run.AgentID, run.Status, suites, run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.EvaluationRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// UpdateRun persists every mutable run field. Scores and grade are written
// only for completed runs; the caller owns that invariant.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.EvaluationRun) error {
	suiteScores, err := marshalJSON(run.SuiteScores)
	if err != nil {
		return err
	}
	results, err := marshalJSON(run.Results)
	if err != nil {
		return err
	}
	var overall any
	if run.OverallScore != nil {
		overall = *run.OverallScore
	}
	res, err := tx.ExecContext(ctx, `UPDATE evaluation_runs SET status=?,suite_scores_json=?,overall_score=?,grade=?,fail_reason=?,results_json=?,started_at=?,completed_at=? WHERE id=?`,
		run.Status, nullable(suiteScores), overall, nullableString(run.Grade), nullable(run.FailReason),
		nullable(results), nullableString(run.StartedAt), nullableString(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRunsForAgent(ctx context.Context, agentID string) ([]domain.EvaluationRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE agent_id=? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvaluationRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
