package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
)

// SQLStore persists to sqlite3 or postgres. Each row keeps the full record
// as JSON in body next to the columns used for lookups and ordering.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	opts    options
}

var _ Store = (*SQLStore)(nil)

// Open connects to dsn with driver and creates the schema when missing.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s database: %w", d.driver, err)
	}
	if d.driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	s, err := NewSQLStore(ctx, db, driver, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing connection pool and migrates it.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string, opts ...Option) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: failed to connect to %s: %w", d.driver, err)
	}
	s := &SQLStore{db: db, dialect: d, opts: newOptions(opts)}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *SQLStore) Insert(ctx context.Context, msg *message.Message) error {
	row := msg.Clone()
	row.BeforeInsert(s.opts.now())
	body, err := jsoncodec.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: failed to encode message %s: %w", msg.ID, err)
	}

	_, err = s.exec(ctx, `INSERT INTO messages
		(id, institution_id, message_type, status, protocol_message_id, version, body, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.InstitutionID, string(row.Type), string(row.Status), nullable(row.ProtocolMessageID),
		row.Version, string(body), row.CreatedAt, row.UpdatedAt, nullTime(row.DeletedAt))
	if err != nil {
		return s.writeError(msg, err, ErrAlreadyExists)
	}
	msg.Version, msg.CreatedAt, msg.UpdatedAt = row.Version, row.CreatedAt, row.UpdatedAt
	return nil
}

func (s *SQLStore) Update(ctx context.Context, msg *message.Message) error {
	row := msg.Clone()
	row.BeforeUpdate(s.opts.now())
	body, err := jsoncodec.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: failed to encode message %s: %w", msg.ID, err)
	}

	res, err := s.exec(ctx, `UPDATE messages SET
		institution_id = ?, message_type = ?, status = ?, protocol_message_id = ?, version = ?,
		body = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?`,
		row.InstitutionID, string(row.Type), string(row.Status), nullable(row.ProtocolMessageID), row.Version,
		string(body), row.UpdatedAt, nullTime(row.DeletedAt), row.ID)
	if err != nil {
		return s.writeError(msg, err, nil)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, msg.ID)
	}
	msg.Version, msg.UpdatedAt = row.Version, row.UpdatedAt
	return nil
}

func (s *SQLStore) writeError(msg *message.Message, err, onDuplicateID error) error {
	if isUniqueViolation(err) {
		if uniqueColumn(err) == "protocol_message_id" {
			return fmt.Errorf("%w: %s", ErrDuplicateProtocolID, msg.ProtocolMessageID)
		}
		if onDuplicateID != nil {
			return fmt.Errorf("%w: %s", onDuplicateID, msg.ID)
		}
	}
	return fmt.Errorf("store: failed to write message %s: %w", msg.ID, err)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*message.Message, error) {
	return s.findOne(ctx, "id", id)
}

func (s *SQLStore) FindByProtocolID(ctx context.Context, protocolID string) (*message.Message, error) {
	return s.findOne(ctx, "protocol_message_id", protocolID)
}

func (s *SQLStore) findOne(ctx context.Context, column, value string) (*message.Message, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT body FROM messages WHERE `+column+` = ?`), value).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s=%s", ErrNotFound, column, value)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load message %s=%s: %w", column, value, err)
	}
	msg := &message.Message{}
	if err := jsoncodec.UnmarshalString(body, msg); err != nil {
		return nil, fmt.Errorf("store: failed to decode message %s=%s: %w", column, value, err)
	}
	return msg, nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*message.Message, error) {
	query := `SELECT body FROM messages WHERE 1 = 1`
	var args []any
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.InstitutionID != "" {
		query += ` AND institution_id = ?`
		args = append(args, opts.InstitutionID)
	}
	direction := "ASC"
	if opts.Descending {
		direction = "DESC"
	}
	query += fmt.Sprintf(` ORDER BY %s %s, id %s`, opts.orderBy(), direction, direction)
	if opts.Take > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Take)
	} else if opts.Skip > 0 && s.dialect.driver == DriverSQLite {
		query += ` LIMIT -1`
	}
	if opts.Skip > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Skip)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []*message.Message{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: failed to scan message: %w", err)
		}
		msg := &message.Message{}
		if err := jsoncodec.UnmarshalString(body, msg); err != nil {
			return nil, fmt.Errorf("store: failed to decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) SoftDelete(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.IsDeleted() {
		return nil
	}
	msg.SoftDelete(s.opts.now())
	return s.Update(ctx, msg)
}

func (s *SQLStore) SaveValidation(ctx context.Context, v message.Validation) error {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: failed to encode validation %s: %w", v.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO message_validations
		(id, message_id, message_version, stage, is_valid, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.MessageID, v.MessageVersion, v.Stage, v.Valid, string(body), v.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to save validation %s: %w", v.ID, err)
	}
	return nil
}

func (s *SQLStore) ListValidations(ctx context.Context, messageID string) ([]message.Validation, error) {
	return listRecords[message.Validation](ctx, s, "message_validations", messageID)
}

func (s *SQLStore) SaveTransformation(ctx context.Context, t message.Transformation) error {
	body, err := jsoncodec.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: failed to encode transformation %s: %w", t.ID, err)
	}
	_, err = s.exec(ctx, `INSERT INTO message_transformations
		(id, message_id, message_version, kind, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.MessageID, t.MessageVersion, t.Kind, string(body), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to save transformation %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) ListTransformations(ctx context.Context, messageID string) ([]message.Transformation, error) {
	return listRecords[message.Transformation](ctx, s, "message_transformations", messageID)
}

func listRecords[R any](ctx context.Context, s *SQLStore, table, messageID string) ([]R, error) {
	rows, err := s.query(ctx, `SELECT body FROM `+table+` WHERE message_id = ? ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var out []R
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: failed to scan %s: %w", table, err)
		}
		var rec R
		if err := jsoncodec.UnmarshalString(body, &rec); err != nil {
			return nil, fmt.Errorf("store: failed to decode %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
