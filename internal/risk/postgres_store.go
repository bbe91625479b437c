package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *StoredAssessment) error {
	txJSON, err := json.Marshal(a.Transaction)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	var verdict sql.NullString
	if a.Compliance != nil {
		raw, err := json.Marshal(a.Compliance)
		if err != nil {
			return fmt.Errorf("failed to marshal compliance verdict: %w", err)
		}
		verdict = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, user_id, transaction, anomaly_score, risk_level, indicators, recommendations, confidence, degraded, evaluated_at, compliance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		a.ID,
		a.UserID,
		txJSON,
		a.Assessment.AnomalyScore,
		a.Assessment.RiskLevel.String(),
		pq.Array(a.Assessment.Indicators),
		pq.Array(a.Assessment.Recommendations),
		a.Assessment.Confidence,
		a.Degraded,
		a.EvaluatedAt,
		verdict,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*StoredAssessment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, transaction, anomaly_score, risk_level, indicators,
		       recommendations, confidence, degraded, evaluated_at, compliance
		FROM risk_assessments
		WHERE user_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*StoredAssessment
	for rows.Next() {
		var (
			a           StoredAssessment
			txJSON      []byte
			level       string
			verdictJSON []byte
		)
		if err := rows.Scan(
			&a.ID, &a.UserID, &txJSON,
			&a.Assessment.AnomalyScore, &level,
			pq.Array(&a.Assessment.Indicators),
			pq.Array(&a.Assessment.Recommendations),
			&a.Assessment.Confidence, &a.Degraded, &a.EvaluatedAt, &verdictJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		if err := json.Unmarshal(txJSON, &a.Transaction); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		if err := a.Assessment.RiskLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
		if len(verdictJSON) > 0 {
			a.Compliance = &ComplianceVerdict{}
			if err := json.Unmarshal(verdictJSON, a.Compliance); err != nil {
				return nil, fmt.Errorf("failed to decode compliance verdict: %w", err)
			}
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
