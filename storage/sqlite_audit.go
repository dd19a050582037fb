package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vitaview/audit"

	"go.uber.org/zap"
)

// defaultAuditQueryLimit bounds QueryAuditRecords when no limit is given
const defaultAuditQueryLimit = 100

// maxAuditQueryLimit is the hard ceiling on a single query
const maxAuditQueryLimit = 1000

// SQLiteAuditStore implements audit.Store using SQLite
type SQLiteAuditStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAuditStore creates a new SQLite-based audit store
func NewSQLiteAuditStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAuditStore {
	return &SQLiteAuditStore{
		sqlite: sqlite,
		logger: logger,
	}
}

// SaveAuditRecord inserts rec
func (s *SQLiteAuditStore) SaveAuditRecord(ctx context.Context, rec *audit.Record) error {
	if rec == nil || rec.ID == "" || rec.Action == "" {
		return fmt.Errorf("audit record: %w", ErrInvalidRecord)
	}

	var metadataJSON interface{}
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadataJSON = string(data)
	}
	complianceJSON, err := json.Marshal(rec.Compliance)
	if err != nil {
		return fmt.Errorf("failed to marshal audit compliance: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, timestamp, action, user_id, ip, user_agent, request_id,
			session_id, path, method, severity, metadata, compliance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.sqlite.WriteDB.ExecContext(ctx, query,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.Action,
		rec.UserID,
		nullString(rec.IP),
		nullString(rec.UserAgent),
		nullString(rec.RequestID),
		nullString(rec.SessionID),
		nullString(rec.Path),
		nullString(rec.Method),
		string(rec.Severity),
		metadataJSON,
		string(complianceJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// AuditQuery filters QueryAuditRecords. Zero fields are ignored.
type AuditQuery struct {
	UserID   string
	Action   string
	Severity audit.Level
	Since    time.Time
	Limit    int
}

// QueryAuditRecords returns matching records, newest first
func (s *SQLiteAuditStore) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]*audit.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, q.Action)
	}
	if q.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(q.Severity))
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(q.Since))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultAuditQueryLimit
	}
	if limit > maxAuditQueryLimit {
		limit = maxAuditQueryLimit
	}

	query := `
		SELECT id, timestamp, action, user_id, ip, user_agent, request_id, session_id,
			path, method, severity, metadata, compliance
		FROM audit_records`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return out, nil
}

// GetAuditRecord returns a single record by id
func (s *SQLiteAuditStore) GetAuditRecord(ctx context.Context, id string) (*audit.Record, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT id, timestamp, action, user_id, ip, user_agent, request_id, session_id,
			path, method, severity, metadata, compliance
		FROM audit_records
		WHERE id = ?
	`, id)
	rec, err := scanAuditRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*audit.Record, error) {
	var (
		rec                             audit.Record
		timestamp, severity, compliance string
		ip, ua, requestID, sessionID    sql.NullString
		path, method, metadata          sql.NullString
	)
	err := row.Scan(&rec.ID, &timestamp, &rec.Action, &rec.UserID, &ip, &ua, &requestID, &sessionID,
		&path, &method, &severity, &metadata, &compliance)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	rec.Timestamp = parseTime(timestamp)
	rec.Severity = audit.Level(severity)
	rec.IP = ip.String
	rec.UserAgent = ua.String
	rec.RequestID = requestID.String
	rec.SessionID = sessionID.String
	rec.Path = path.String
	rec.Method = method.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse audit metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(compliance), &rec.Compliance); err != nil {
		return nil, fmt.Errorf("failed to parse audit compliance: %w", err)
	}
	return &rec, nil
}
