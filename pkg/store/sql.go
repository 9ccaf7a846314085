package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"supervisor-escalation/pkg/models"
)

const (
	helpRequestColumns = "id, room_name, participant_identity, question, status, supervisor_answer, created_at, resolved_at, timeout_at, metadata"
	knowledgeColumns   = "id, question, answer, source_request_id, usage_count, created_at, updated_at"
)

// sqliteTimeLayout is fixed width so that text comparison orders timestamps correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dialect captures what differs between the PostgreSQL and SQLite schemas.
type dialect struct {
	name           string
	numbered       bool // $1, $2 ... instead of ?
	textTimestamps bool
	migrations     fs.FS
	bootstrapDDL   string
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) any {
	if d.textTimestamps {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// sqlStore implements Store on database/sql for both SQL backends.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.bootstrapDDL); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := fs.ReadDir(s.dialect.migrations, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, s.dialect.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := fs.ReadFile(s.dialect.migrations, entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind("INSERT INTO schema_version (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *sqlStore) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Help requests ---

func (s *sqlStore) CreateHelpRequest(ctx context.Context, req *models.HelpRequest) (*models.HelpRequest, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	metadata, err := encodeMetadata(req.Metadata)
	if err != nil {
		return nil, &models.ValidationError{Field: "metadata", Reason: err.Error()}
	}

	var resolvedAt any
	if req.ResolvedAt != nil {
		resolvedAt = s.dialect.timeArg(*req.ResolvedAt)
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO help_requests (`+helpRequestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+helpRequestColumns),
		id, req.RoomName, req.ParticipantIdentity, req.Question, string(req.Status),
		nullableString(req.SupervisorAnswer), s.dialect.timeArg(req.CreatedAt), resolvedAt,
		s.dialect.timeArg(req.TimeoutAt), metadata,
	)

	created, err := scanHelpRequest(row)
	if err != nil {
		return nil, models.NewStoreError("insert help request", err)
	}
	return created, nil
}

func (s *sqlStore) GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT "+helpRequestColumns+" FROM help_requests WHERE id = ?"), id)

	req, err := scanHelpRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStoreError("get help request", err)
	}
	return req, nil
}

func (s *sqlStore) ListHelpRequests(ctx context.Context, filter models.HelpRequestFilter) ([]models.HelpRequest, error) {
	query := "SELECT " + helpRequestColumns + " FROM help_requests"
	var args []any
	if filter.Status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, models.NewStoreError("list help requests", err)
	}
	defer rows.Close()

	results := []models.HelpRequest{}
	for rows.Next() {
		req, err := scanHelpRequest(rows)
		if err != nil {
			return nil, models.NewStoreError("list help requests", err)
		}
		results = append(results, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStoreError("list help requests", err)
	}
	return results, nil
}

func (s *sqlStore) TransitionHelpRequest(ctx context.Context, t models.Transition) (*models.HelpRequest, bool, error) {
	if _, err := uuid.Parse(t.ID); err != nil {
		return nil, false, models.ErrNotFound
	}

	set := "status = ?, resolved_at = ?"
	args := []any{string(t.To), s.dialect.timeArg(t.At)}
	if t.Answer != nil {
		set += ", supervisor_answer = ?"
		args = append(args, *t.Answer)
	}
	args = append(args, t.ID, string(t.From))

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"UPDATE help_requests SET "+set+" WHERE id = ? AND status = ? RETURNING "+helpRequestColumns),
		args...)

	updated, err := scanHelpRequest(row)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, models.NewStoreError("transition help request", err)
	}

	// Zero rows: either the request is gone or another transition got there first.
	current, err := s.GetHelpRequest(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *sqlStore) ExpireHelpRequests(ctx context.Context, now time.Time) ([]models.HelpRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		UPDATE help_requests SET status = ?, resolved_at = ?
		WHERE status = ? AND timeout_at < ?
		RETURNING `+helpRequestColumns),
		string(models.StatusUnresolved), s.dialect.timeArg(now),
		string(models.StatusPending), s.dialect.timeArg(now),
	)
	if err != nil {
		return nil, models.NewStoreError("expire help requests", err)
	}
	defer rows.Close()

	expired := []models.HelpRequest{}
	for rows.Next() {
		req, err := scanHelpRequest(rows)
		if err != nil {
			return nil, models.NewStoreError("expire help requests", err)
		}
		expired = append(expired, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStoreError("expire help requests", err)
	}
	return expired, nil
}

// --- Knowledge base ---

func (s *sqlStore) CreateKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		INSERT INTO knowledge_base (`+knowledgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+knowledgeColumns),
		id, entry.Question, entry.Answer, nullableString(entry.SourceRequestID), entry.UsageCount,
		s.dialect.timeArg(entry.CreatedAt), s.dialect.timeArg(entry.UpdatedAt),
	)

	created, err := scanKnowledgeEntry(row)
	if err != nil {
		return nil, models.NewStoreError("insert knowledge entry", err)
	}
	return created, nil
}

func (s *sqlStore) GetKnowledgeEntry(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT "+knowledgeColumns+" FROM knowledge_base WHERE id = ?"), id)

	entry, err := scanKnowledgeEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStoreError("get knowledge entry", err)
	}
	return entry, nil
}

func (s *sqlStore) ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	query := "SELECT " + knowledgeColumns + " FROM knowledge_base ORDER BY usage_count DESC, updated_at DESC, id ASC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, models.NewStoreError("list knowledge entries", err)
	}
	defer rows.Close()

	results := []models.KnowledgeEntry{}
	for rows.Next() {
		entry, err := scanKnowledgeEntry(rows)
		if err != nil {
			return nil, models.NewStoreError("list knowledge entries", err)
		}
		results = append(results, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStoreError("list knowledge entries", err)
	}
	return results, nil
}

func (s *sqlStore) IncrementKnowledgeUsage(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"UPDATE knowledge_base SET usage_count = usage_count + 1 WHERE id = ? RETURNING "+knowledgeColumns), id)

	entry, err := scanKnowledgeEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStoreError("increment knowledge usage", err)
	}
	return entry, nil
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHelpRequest(row rowScanner) (*models.HelpRequest, error) {
	var (
		req                              models.HelpRequest
		status                           string
		answer, metadata                 sql.NullString
		createdAt, resolvedAt, timeoutAt dbTime
	)
	if err := row.Scan(&req.ID, &req.RoomName, &req.ParticipantIdentity, &req.Question, &status,
		&answer, &createdAt, &resolvedAt, &timeoutAt, &metadata); err != nil {
		return nil, err
	}

	req.Status = models.RequestStatus(status)
	req.CreatedAt = createdAt.Time
	req.TimeoutAt = timeoutAt.Time
	if answer.Valid {
		req.SupervisorAnswer = &answer.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &req.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &req, nil
}

func scanKnowledgeEntry(row rowScanner) (*models.KnowledgeEntry, error) {
	var (
		entry                models.KnowledgeEntry
		source               sql.NullString
		createdAt, updatedAt dbTime
	)
	if err := row.Scan(&entry.ID, &entry.Question, &entry.Answer, &source, &entry.UsageCount,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	entry.CreatedAt = createdAt.Time
	entry.UpdatedAt = updatedAt.Time
	if source.Valid {
		entry.SourceRequestID = &source.String
	}
	return &entry, nil
}

// dbTime scans TIMESTAMPTZ values (PostgreSQL) and fixed-width text (SQLite).
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("parsing timestamp %q", s)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
