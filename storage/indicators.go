package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"argus/core"
)

const indicatorColumns = `id, type, value, normalized, threat_level, confidence, tags,
	enrichment, first_seen, last_seen, seen_count`

// SQLiteIndicatorRepository persists indicators keyed by (type, normalized value)
type SQLiteIndicatorRepository struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteIndicatorRepository creates an indicator repository on db
func NewSQLiteIndicatorRepository(db *SQLite, logger *zap.SugaredLogger) *SQLiteIndicatorRepository {
	return &SQLiteIndicatorRepository{db: db, logger: logger}
}

// SaveIndicator inserts or updates an indicator. The (type, normalized) pair
// is unique, so saving a new id for an existing pair fails.
func (r *SQLiteIndicatorRepository) SaveIndicator(ctx context.Context, ind *core.Indicator) error {
	tags := ind.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	var enrichment sql.NullString
	if len(ind.Enrichment) > 0 {
		data, err := json.Marshal(ind.Enrichment)
		if err != nil {
			return fmt.Errorf("failed to marshal enrichment: %w", err)
		}
		enrichment = sql.NullString{String: string(data), Valid: true}
	}

	query := `INSERT INTO indicators (` + indicatorColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			value = excluded.value,
			normalized = excluded.normalized,
			threat_level = excluded.threat_level,
			confidence = excluded.confidence,
			tags = excluded.tags,
			enrichment = excluded.enrichment,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			seen_count = excluded.seen_count`
	_, err = r.db.WriteDB.ExecContext(ctx, query,
		ind.ID, string(ind.Type), ind.Value, ind.Normalized, string(ind.ThreatLevel), ind.Confidence,
		string(tagsJSON), enrichment, formatTime(ind.FirstSeen), formatTime(ind.LastSeen), ind.SeenCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save indicator %s: %w", ind.ID, err)
	}
	r.logger.Debugw("Indicator persisted", "indicator_id", ind.ID, "type", ind.Type, "seen_count", ind.SeenCount)
	return nil
}

// GetIndicator retrieves an indicator by id
func (r *SQLiteIndicatorRepository) GetIndicator(ctx context.Context, id string) (*core.Indicator, error) {
	row := r.db.ReadDB.QueryRowContext(ctx, `SELECT `+indicatorColumns+` FROM indicators WHERE id = ?`, id)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indicator %s: %w", id, core.ErrNotFound)
	}
	return ind, err
}

// FindIndicator retrieves an indicator by type and normalized value
func (r *SQLiteIndicatorRepository) FindIndicator(ctx context.Context, t core.IndicatorType, normalized string) (*core.Indicator, error) {
	row := r.db.ReadDB.QueryRowContext(ctx,
		`SELECT `+indicatorColumns+` FROM indicators WHERE type = ? AND normalized = ?`, string(t), normalized)
	ind, err := scanIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indicator %s %s: %w", t, normalized, core.ErrNotFound)
	}
	return ind, err
}

// ListIndicators returns matching indicators, most recently seen first
func (r *SQLiteIndicatorRepository) ListIndicators(ctx context.Context, filter core.IndicatorFilter) ([]*core.Indicator, error) {
	var conds []string
	var args []interface{}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	if filter.Tag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each(indicators.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	if !filter.IncludeDeprecated {
		conds = append(conds, "NOT EXISTS (SELECT 1 FROM json_each(indicators.tags) WHERE json_each.value = ?)")
		args = append(args, core.TagDeprecated)
	}

	query := `SELECT ` + indicatorColumns + ` FROM indicators`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY last_seen DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list indicators: %w", err)
	}
	defer rows.Close()

	var out []*core.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indicators: %w", err)
	}
	return out, nil
}

func scanIndicator(row rowScanner) (*core.Indicator, error) {
	var (
		ind                 core.Indicator
		typ, level, tags    string
		enrichment          sql.NullString
		firstSeen, lastSeen string
	)
	err := row.Scan(&ind.ID, &typ, &ind.Value, &ind.Normalized, &level, &ind.Confidence,
		&tags, &enrichment, &firstSeen, &lastSeen, &ind.SeenCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan indicator: %w", err)
	}

	ind.Type = core.IndicatorType(typ)
	ind.ThreatLevel = core.Severity(level)
	if err := json.Unmarshal([]byte(tags), &ind.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags of %s: %w", ind.ID, err)
	}
	if enrichment.Valid && enrichment.String != "" {
		if err := json.Unmarshal([]byte(enrichment.String), &ind.Enrichment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enrichment of %s: %w", ind.ID, err)
		}
	}
	if ind.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if ind.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, err
	}
	return &ind, nil
}
