package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"supply-agent/internal/domain"
)

// Schema files are named <version>_<name>.sql. PRAGMA user_version holds the
// highest version applied.
//
//go:embed sql/*.sql
var schemaFS embed.FS

type schemaFile struct {
	version int
	name    string
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var supplierColumns = []string{
	"id", "run_id", "company_name", "email", "product_name", "status", "thread_id", "created_at", "updated_at",
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteClient is the embedded single-file store used for local runs.
type SQLiteClient struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// OpenSQLite opens (creating if needed) the database file and
// applies pending schema files.
func OpenSQLite(ctx context.Context, file string) (*SQLiteClient, error) {
	file = strings.TrimSpace(file)
	if file == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", file)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// A single connection serializes writers so conditional updates stay atomic.
	db.SetMaxOpenConns(1)
	c, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewSQLite wraps an open database and brings its schema up to date.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLiteClient, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	c := &SQLiteClient{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	if err := c.upgradeSchema(ctx); err != nil {
		return nil, fmt.Errorf("repository: upgrade schema: %w", err)
	}
	return c, nil
}

func schemaFiles() ([]schemaFile, error) {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	files := make([]schemaFile, 0, len(names))
	for _, name := range names {
		prefix, _, _ := strings.Cut(path.Base(name), "_")
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("schema file %s has no version prefix", name)
		}
		files = append(files, schemaFile{version: v, name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// upgradeSchema applies, in one transaction, every schema file newer than
// the database's user_version.
func (c *SQLiteClient) upgradeSchema(ctx context.Context) error {
	files, err := schemaFiles()
	if err != nil {
		return err
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
			return fmt.Errorf("read user_version: %w", err)
		}
		for _, f := range files {
			if f.version <= current {
				continue
			}
			body, err := fs.ReadFile(schemaFS, f.name)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("%s: %w", path.Base(f.name), err)
			}
			// PRAGMA takes no bound parameters.
			if _, err := tx.ExecContext(ctx, "PRAGMA user_version = "+strconv.Itoa(f.version)); err != nil {
				return fmt.Errorf("set user_version: %w", err)
			}
			current = f.version
		}
		return nil
	})
}

func (c *SQLiteClient) Close() error {
	return c.db.Close()
}

func (c *SQLiteClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func exec(ctx context.Context, q queryer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (c *SQLiteClient) InsertSuppliers(ctx context.Context, runID string, suppliers []domain.SupplierRecord) ([]domain.SupplierRecord, error) {
	if len(suppliers) == 0 {
		return nil, nil
	}
	now := c.now()
	out := make([]domain.SupplierRecord, 0, len(suppliers))
	for _, s := range suppliers {
		s.ID = c.newID()
		s.RunID = runID
		s.Status = domain.StatusPending
		s.ThreadID = ""
		s.CreatedAt = now
		s.UpdatedAt = now
		out = append(out, s)
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range out {
			_, err := exec(ctx, tx, psql.Insert("suppliers").Columns(supplierColumns...).Values(
				s.ID, s.RunID, s.CompanyName, s.Email, s.ProductName, string(s.Status), s.ThreadID,
				formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
			))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: InsertSuppliers: %w", err)
	}
	return out, nil
}

func (c *SQLiteClient) GetSupplier(ctx context.Context, id string) (domain.SupplierRecord, error) {
	s, err := getSupplier(ctx, c.db, id)
	if err != nil {
		return domain.SupplierRecord{}, fmt.Errorf("repository: GetSupplier: %w", err)
	}
	return s, nil
}

func getSupplier(ctx context.Context, q queryer, id string) (domain.SupplierRecord, error) {
	query, args, err := psql.Select(supplierColumns...).From("suppliers").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.SupplierRecord{}, fmt.Errorf("build query: %w", err)
	}
	s, err := scanSupplier(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SupplierRecord{}, ErrNotFound
	}
	return s, err
}

func (c *SQLiteClient) ListSuppliers(ctx context.Context, status domain.SupplierStatus) ([]domain.SupplierRecord, error) {
	b := psql.Select(supplierColumns...).From("suppliers").OrderBy("created_at", "rowid")
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("repository: ListSuppliers: unknown status %q", status)
		}
		b = b.Where(sq.Eq{"status": string(status)})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("repository: ListSuppliers: build query: %w", err)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: ListSuppliers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SupplierRecord
	for rows.Next() {
		s, err := scanSupplier(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: ListSuppliers: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListSuppliers: %w", err)
	}
	return out, nil
}

func (c *SQLiteClient) UpdateStatus(ctx context.Context, id string, status domain.SupplierStatus) error {
	if !status.Valid() {
		return fmt.Errorf("repository: UpdateStatus: unknown status %q", status)
	}
	from := domain.Predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("repository: UpdateStatus %s -> %s: %w", id, status, ErrInvalidTransition)
	}
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	res, err := exec(ctx, c.db, psql.Update("suppliers").
		Set("status", string(status)).
		Set("updated_at", formatTime(c.now())).
		Where(sq.Eq{"id": id, "status": allowed}))
	if err != nil {
		return fmt.Errorf("repository: UpdateStatus: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return fmt.Errorf("repository: UpdateStatus: %w", err)
	}
	if n == 1 {
		return nil
	}
	current, err := getSupplier(ctx, c.db, id)
	if err != nil {
		return fmt.Errorf("repository: UpdateStatus %s: %w", id, err)
	}
	return fmt.Errorf("repository: UpdateStatus %s %s -> %s: %w", id, current.Status, status, ErrInvalidTransition)
}

func (c *SQLiteClient) CreateConversation(ctx context.Context, conv domain.ConversationRecord) error {
	if err := validateNewConversation(conv); err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	now := c.now()
	created := conv.CreatedAt
	if created.IsZero() {
		created = now
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE thread_id = ?`, conv.ThreadID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrConflict
		}

		res, err := exec(ctx, tx, psql.Update("suppliers").
			Set("status", string(domain.StatusContacted)).
			Set("thread_id", conv.ThreadID).
			Set("updated_at", formatTime(now)).
			Where(sq.Eq{"id": conv.SupplierID, "status": string(domain.StatusPending)}))
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			current, err := getSupplier(ctx, tx, conv.SupplierID)
			if err != nil {
				return err
			}
			return fmt.Errorf("supplier %s is %s: %w", conv.SupplierID, current.Status, ErrInvalidTransition)
		}

		if _, err := exec(ctx, tx, psql.Insert("conversations").
			Columns("thread_id", "supplier_id", "message_count", "created_at", "last_activity").
			Values(conv.ThreadID, conv.SupplierID, len(conv.Messages), formatTime(created), formatTime(created))); err != nil {
			return err
		}
		return insertMessages(ctx, tx, conv.ThreadID, 0, conv.Messages)
	})
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

func (c *SQLiteClient) FindConversation(ctx context.Context, threadID string) (domain.ConversationRecord, error) {
	var (
		conv    = domain.ConversationRecord{ThreadID: threadID}
		created string
		count   int
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT supplier_id, message_count, created_at FROM conversations WHERE thread_id = ?`, threadID,
	).Scan(&conv.SupplierID, &count, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: %w", err)
	}
	if conv.CreatedAt, err = parseTime(created); err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: %w", err)
	}

	query, args, err := psql.Select("role", "content", "at").From("messages").
		Where(sq.Eq{"thread_id": threadID}).OrderBy("seq").ToSql()
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: build query: %w", err)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conv.Messages = make([]domain.Message, 0, count)
	for rows.Next() {
		var role, content, at string
		if err := rows.Scan(&role, &content, &at); err != nil {
			return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: %w", err)
		}
		ts, err := parseTime(at)
		if err != nil {
			return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: %w", err)
		}
		conv.Messages = append(conv.Messages, domain.Message{Role: domain.MessageRole(role), Content: content, At: ts})
	}
	if err := rows.Err(); err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("repository: FindConversation: %w", err)
	}
	return conv, nil
}

func (c *SQLiteClient) AppendMessages(ctx context.Context, threadID string, known int, msgs ...domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := exec(ctx, tx, psql.Update("conversations").
			Set("message_count", known+len(msgs)).
			Set("last_activity", formatTime(c.now())).
			Where(sq.Eq{"thread_id": threadID, "message_count": known}))
		if err != nil {
			return err
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE thread_id = ?`, threadID).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return insertMessages(ctx, tx, threadID, known, msgs)
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessages: %w", err)
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, threadID string, known int, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b := psql.Insert("messages").Columns("thread_id", "seq", "role", "content", "at")
	for i, m := range msgs {
		b = b.Values(threadID, known+i+1, string(m.Role), m.Content, formatTime(m.At))
	}
	_, err := exec(ctx, tx, b)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupplier(row rowScanner) (domain.SupplierRecord, error) {
	var (
		s                domain.SupplierRecord
		status           string
		created, updated string
	)
	if err := row.Scan(&s.ID, &s.RunID, &s.CompanyName, &s.Email, &s.ProductName, &status, &s.ThreadID, &created, &updated); err != nil {
		return domain.SupplierRecord{}, err
	}
	var err error
	if s.Status, err = domain.ParseStatus(status); err != nil {
		return domain.SupplierRecord{}, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return domain.SupplierRecord{}, err
	}
	if s.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.SupplierRecord{}, err
	}
	return s, nil
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t, nil
}
