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

const executionColumns = `id, tool_id, case_id, status, target, parameters, timeout_seconds,
	created_at, started_at, completed_at, exit_code, result, error, output, output_truncated`

// SQLiteExecutionStore persists terminal executions, output included
type SQLiteExecutionStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteExecutionStore creates an execution store on db
func NewSQLiteExecutionStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteExecutionStore {
	return &SQLiteExecutionStore{db: db, logger: logger}
}

// SaveExecution inserts or replaces an execution
func (s *SQLiteExecutionStore) SaveExecution(ctx context.Context, exec *core.ToolExecution) error {
	target, err := json.Marshal(exec.Target)
	if err != nil {
		return fmt.Errorf("failed to marshal target: %w", err)
	}
	params, err := marshalNullable(exec.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	result, err := marshalNullable(exec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	output, err := compressOutput(exec.Output)
	if err != nil {
		return err
	}
	var exitCode sql.NullInt64
	if exec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*exec.ExitCode), Valid: true}
	}

	query := `INSERT OR REPLACE INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.WriteDB.ExecContext(ctx, query,
		exec.ID, exec.ToolID, exec.CaseID, string(exec.Status), string(target), params,
		exec.TimeoutSeconds, formatTime(exec.CreatedAt), formatTimePtr(exec.StartedAt),
		formatTimePtr(exec.CompletedAt), exitCode, result, exec.Error, output, exec.OutputTruncated,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
	}
	s.logger.Debugw("Execution persisted", "execution_id", exec.ID, "status", exec.Status, "output_lines", len(exec.Output))
	return nil
}

// GetExecution retrieves an execution by id
func (s *SQLiteExecutionStore) GetExecution(ctx context.Context, id string) (*core.ToolExecution, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns matching executions oldest first
func (s *SQLiteExecutionStore) ListExecutions(ctx context.Context, filter core.ExecutionFilter) ([]*core.ToolExecution, error) {
	var conds []string
	var args []interface{}
	if filter.CaseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.ToolID != "" {
		conds = append(conds, "tool_id = ?")
		args = append(args, filter.ToolID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*core.ToolExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*core.ToolExecution, error) {
	var (
		exec                      core.ToolExecution
		status, target, createdAt string
		params, result            sql.NullString
		startedAt, completedAt    sql.NullString
		exitCode                  sql.NullInt64
		output                    []byte
	)
	err := row.Scan(&exec.ID, &exec.ToolID, &exec.CaseID, &status, &target, &params,
		&exec.TimeoutSeconds, &createdAt, &startedAt, &completedAt, &exitCode, &result,
		&exec.Error, &output, &exec.OutputTruncated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	exec.Status = core.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(target), &exec.Target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target of %s: %w", exec.ID, err)
	}
	if exec.Parameters, err = unmarshalMap(params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters of %s: %w", exec.ID, err)
	}
	if exec.Result, err = unmarshalMap(result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result of %s: %w", exec.ID, err)
	}
	if exec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		exec.ExitCode = &code
	}
	if exec.Output, err = decompressOutput(output); err != nil {
		return nil, fmt.Errorf("execution %s: %w", exec.ID, err)
	}
	return &exec, nil
}

func marshalNullable(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
