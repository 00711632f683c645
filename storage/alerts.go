package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"argus/core"
)

const alertColumns = `id, rule_id, anomaly_score, severity, title, description, indicators, status,
	created_at, updated_at, last_fired_at, firing_count, case_id, execution_ids, finding_ids, fingerprint`

// SQLiteAlertStore persists alerts
type SQLiteAlertStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStore creates an alert store on db
func NewSQLiteAlertStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStore {
	return &SQLiteAlertStore{db: db, logger: logger}
}

// SaveAlert inserts or replaces an alert
func (s *SQLiteAlertStore) SaveAlert(ctx context.Context, a *core.Alert) error {
	indicators, err := marshalList(a.Indicators)
	if err != nil {
		return fmt.Errorf("failed to marshal indicators: %w", err)
	}
	executionIDs, err := marshalList(a.ExecutionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal execution ids: %w", err)
	}
	findingIDs, err := marshalList(a.FindingIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal finding ids: %w", err)
	}
	var score sql.NullFloat64
	if a.AnomalyScore != nil {
		score = sql.NullFloat64{Float64: *a.AnomalyScore, Valid: true}
	}

	query := `INSERT OR REPLACE INTO alerts (` + alertColumns + `, severity_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.WriteDB.ExecContext(ctx, query,
		a.ID, a.RuleID, score, string(a.Severity), a.Title, a.Description, indicators, string(a.Status),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatTime(a.LastFiredAt), a.FiringCount,
		a.CaseID, executionIDs, findingIDs, a.Fingerprint, a.Severity.Rank(),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	s.logger.Debugw("Alert persisted", "alert_id", a.ID, "status", a.Status, "firing_count", a.FiringCount)
	return nil
}

// GetAlert retrieves an alert by id
func (s *SQLiteAlertStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	return a, err
}

// FindActiveAlert returns the newest new or investigating alert with the
// fingerprint created at or after since
func (s *SQLiteAlertStore) FindActiveAlert(ctx context.Context, fingerprint string, since time.Time) (*core.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE fingerprint = ? AND created_at >= ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`
	row := s.db.ReadDB.QueryRowContext(ctx, query, fingerprint, formatTime(since),
		string(core.AlertStatusNew), string(core.AlertStatusInvestigating))
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active alert %s: %w", fingerprint, core.ErrNotFound)
	}
	return a, err
}

// ListAlerts returns matching alerts newest first
func (s *SQLiteAlertStore) ListAlerts(ctx context.Context, filter core.AlertFilter) ([]*core.Alert, error) {
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MinSeverity != "" {
		conds = append(conds, "severity_rank >= ?")
		args = append(args, filter.MinSeverity.Rank())
	}
	if filter.RuleID != "" {
		conds = append(conds, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.CaseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, filter.CaseID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*core.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		a                                  core.Alert
		severity, status                   string
		score                              sql.NullFloat64
		indicators, executionIDs, findings string
		createdAt, updatedAt, lastFiredAt  string
	)
	err := row.Scan(&a.ID, &a.RuleID, &score, &severity, &a.Title, &a.Description, &indicators,
		&status, &createdAt, &updatedAt, &lastFiredAt, &a.FiringCount, &a.CaseID,
		&executionIDs, &findings, &a.Fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	a.Severity = core.Severity(severity)
	a.Status = core.AlertStatus(status)
	if score.Valid {
		v := score.Float64
		a.AnomalyScore = &v
	}
	if err := unmarshalList(indicators, &a.Indicators); err != nil {
		return nil, fmt.Errorf("failed to unmarshal indicators of %s: %w", a.ID, err)
	}
	if err := unmarshalList(executionIDs, &a.ExecutionIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution ids of %s: %w", a.ID, err)
	}
	if err := unmarshalList(findings, &a.FindingIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal finding ids of %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if a.LastFiredAt, err = parseTime(lastFiredAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func marshalList[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalList leaves dst nil for an empty list
func unmarshalList[T any](raw string, dst *[]T) error {
	if raw == "" || raw == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
