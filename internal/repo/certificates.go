package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trustmodel/internal/domain"
)

const certColumns = `id,agent_id,evaluation_id,grade,overall_score,suite_scores_json,certified_capabilities_json,not_certified_json,safety_attestations_json,issued_at,expires_at,signature`

func scanCertificate(scan func(...any) error) (domain.Certificate, error) {
	var c domain.Certificate
	var suiteScores, caps, notCerts, attestations string
	err := scan(&c.ID, &c.AgentID, &c.EvaluationID, &c.Grade, &c.OverallScore,
		&suiteScores, &caps, &notCerts, &attestations, &c.IssuedAt, &c.ExpiresAt, &c.Signature)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	for _, col := range []struct {
		raw string
		dst any
	}{
		{suiteScores, &c.SuiteScores},
		{caps, &c.CertifiedCapabilities},
		{notCerts, &c.NotCertified},
		{attestations, &c.SafetyAttestations},
	} {
		if err := unmarshalJSON(sql.NullString{String: col.raw, Valid: true}, col.dst); err != nil {
			return c, fmt.Errorf("decode certificate column: %w", err)
		}
	}
	return c, nil
}

func (r Repo) InsertCertificate(ctx context.Context, tx *sql.Tx, c domain.Certificate) error {
	suiteScores, err := marshalJSON(c.SuiteScores)
	if err != nil {
		return err
	}
	caps, err := marshalJSON(c.CertifiedCapabilities)
	if err != nil {
		return err
	}
	notCerts, err := marshalJSON(c.NotCertified)
	if err != nil {
		return err
	}
	attestations, err := marshalJSON(c.SafetyAttestations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO certificates(`+certColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.AgentID, c.EvaluationID, c.Grade, c.OverallScore, suiteScores, caps, notCerts, attestations,
		c.IssuedAt, c.ExpiresAt, c.Signature)
	return err
}

func (r Repo) GetCertificate(ctx context.Context, id string) (domain.Certificate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE id=?`, id)
	return scanCertificate(row.Scan)
}

func (r Repo) ListCertificatesForAgent(ctx context.Context, agentID string) ([]domain.Certificate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+certColumns+` FROM certificates WHERE agent_id=? ORDER BY issued_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListUnrevokedCertificates returns certificates with no revocation row,
// newest first. Expiry is derived by the caller.
func (r Repo) ListUnrevokedCertificates(ctx context.Context) ([]domain.Certificate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixColumns("c", certColumns)+` FROM certificates c
		LEFT JOIN revocations rv ON rv.certificate_id = c.id
		WHERE rv.id IS NULL ORDER BY c.overall_score DESC, c.issued_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertRevocation(ctx context.Context, tx *sql.Tx, rv domain.Revocation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO revocations(id,certificate_id,reason,revoked_at) VALUES (?,?,?,?)`,
		rv.ID, rv.CertificateID, rv.Reason, rv.RevokedAt)
	return err
}

func (r Repo) GetRevocation(ctx context.Context, certificateID string) (domain.Revocation, error) {
	var rv domain.Revocation
	err := r.DB.QueryRowContext(ctx, `SELECT id,certificate_id,reason,revoked_at FROM revocations WHERE certificate_id=?`, certificateID).
		Scan(&rv.ID, &rv.CertificateID, &rv.Reason, &rv.RevokedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

func (r Repo) GetRevocationTx(ctx context.Context, tx *sql.Tx, certificateID string) (domain.Revocation, error) {
	var rv domain.Revocation
	err := tx.QueryRowContext(ctx, `SELECT id,certificate_id,reason,revoked_at FROM revocations WHERE certificate_id=?`, certificateID).
		Scan(&rv.ID, &rv.CertificateID, &rv.Reason, &rv.RevokedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

func (r Repo) ListRevocations(ctx context.Context) ([]domain.Revocation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,certificate_id,reason,revoked_at FROM revocations ORDER BY revoked_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Revocation
	for rows.Next() {
		var rv domain.Revocation
		if err := rows.Scan(&rv.ID, &rv.CertificateID, &rv.Reason, &rv.RevokedAt); err != nil {
			return nil, err
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}
