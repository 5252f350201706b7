package demogateway

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema.sql
var schemaFS embed.FS

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrTagNotFound      = errors.New("tag not found")
	ErrModuleNotFound   = errors.New("module not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrVersionMismatch  = errors.New("version mismatch")
)

// Store persists the demo gateway's state in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at dsn and applies the schema.
// An empty dsn uses a private in-memory database.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		// A named in-memory database so each Store is isolated while its
		// own connections still see the same data.
		dsn = "file:demogw-" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening demo gateway database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and SQLite
	// writes serialized.
	db.SetMaxOpenConns(1)

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// ─── Projects ──────────────────────────────────────────────────────────

// ProjectRecord mirrors the projects table.
type ProjectRecord struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

func (s *Store) ListProjects(ctx context.Context) ([]ProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, title, description, status FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectRecord
	for rows.Next() {
		var p ProjectRecord
		if err := rows.Scan(&p.Name, &p.Title, &p.Description, &p.Status); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, name string) (*ProjectRecord, error) {
	var p ProjectRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT name, title, description, status FROM projects WHERE name = ?`, name).
		Scan(&p.Name, &p.Title, &p.Description, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting project %s: %w", name, err)
	}
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, p ProjectRecord) error {
	if p.Status == "" {
		p.Status = "Running"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, title, description, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.Name, p.Title, p.Description, p.Status, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating project %s: %w", p.Name, err)
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting project %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProjectNotFound
	}
	// SQLite foreign keys are off by default; clean up explicitly.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE project = ?`, name); err != nil {
		return fmt.Errorf("deleting project resources: %w", err)
	}
	return nil
}

// ─── Resources ─────────────────────────────────────────────────────────

// ResourceRecord mirrors the resources table.
type ResourceRecord struct {
	Project string
	Type    string
	Path    string
	Content []byte
	Version string
}

func (s *Store) GetResource(ctx context.Context, project, rtype, path string) (*ResourceRecord, error) {
	r := ResourceRecord{Project: project, Type: rtype, Path: path}
	err := s.db.QueryRowContext(ctx,
		`SELECT content, version FROM resources WHERE project = ? AND type = ? AND path = ?`,
		project, rtype, path).Scan(&r.Content, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting resource: %w", err)
	}
	return &r, nil
}

func (s *Store) ListResources(ctx context.Context, project string) ([]ResourceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, path, content, version FROM resources WHERE project = ? ORDER BY type, path`, project)
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	defer rows.Close()

	var out []ResourceRecord
	for rows.Next() {
		r := ResourceRecord{Project: project}
		if err := rows.Scan(&r.Type, &r.Path, &r.Content, &r.Version); err != nil {
			return nil, fmt.Errorf("scanning resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutResource upserts a resource. When expectedVersion is non-empty the
// write only lands if the stored version matches; a mismatch (including an
// absent row) returns ErrVersionMismatch. Every successful write stamps a
// fresh opaque version token, which is returned.
func (s *Store) PutResource(ctx context.Context, project, rtype, path string, content []byte, expectedVersion string) (string, error) {
	if _, err := s.GetProject(ctx, project); err != nil {
		return "", err
	}

	newVersion := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	if expectedVersion != "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE resources SET content = ?, version = ?, updated_at = ?
			 WHERE project = ? AND type = ? AND path = ? AND version = ?`,
			content, newVersion, now, project, rtype, path, expectedVersion)
		if err != nil {
			return "", fmt.Errorf("conditional put: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", ErrVersionMismatch
		}
		return newVersion, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (project, type, path, content, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project, type, path) DO UPDATE SET content = excluded.content,
		   version = excluded.version, updated_at = excluded.updated_at`,
		project, rtype, path, content, newVersion, now)
	if err != nil {
		return "", fmt.Errorf("put resource: %w", err)
	}
	return newVersion, nil
}

func (s *Store) DeleteResource(ctx context.Context, project, rtype, path string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resources WHERE project = ? AND type = ? AND path = ?`,
		project, rtype, path)
	if err != nil {
		return fmt.Errorf("deleting resource: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrResourceNotFound
	}
	return nil
}

// ReplaceProjectResources swaps a project's whole resource set, creating the
// project if needed. Used by archive import.
func (s *Store) ReplaceProjectResources(ctx context.Context, project string, resources []ResourceRecord) error {
	if _, err := s.GetProject(ctx, project); errors.Is(err, ErrProjectNotFound) {
		if err := s.CreateProject(ctx, ProjectRecord{Name: project}); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE project = ?`, project); err != nil {
		return fmt.Errorf("clearing resources: %w", err)
	}
	for _, r := range resources {
		if _, err := s.PutResource(ctx, project, r.Type, r.Path, r.Content, ""); err != nil {
			return err
		}
	}
	return nil
}

// ─── Tags ──────────────────────────────────────────────────────────────

// TagRecord mirrors the tags table; Value is stored as JSON.
type TagRecord struct {
	Path      string
	DataType  string
	Value     any
	Quality   string
	Timestamp time.Time
}

// CreateTag declares a tag with an initial value. Used for seeding.
func (s *Store) CreateTag(ctx context.Context, t TagRecord) error {
	if t.Quality == "" {
		t.Quality = "Good"
	}
	raw, err := json.Marshal(t.Value)
	if err != nil {
		return fmt.Errorf("encoding tag value: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tags (path, data_type, value, quality, ts) VALUES (?, ?, ?, ?, ?)`,
		t.Path, t.DataType, string(raw), t.Quality, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("creating tag %s: %w", t.Path, err)
	}
	return nil
}

func (s *Store) GetTag(ctx context.Context, path string) (*TagRecord, error) {
	var (
		t   TagRecord
		raw string
		ts  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT path, data_type, value, quality, ts FROM tags WHERE path = ?`, path).
		Scan(&t.Path, &t.DataType, &raw, &t.Quality, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tag %s: %w", path, err)
	}
	if err := json.Unmarshal([]byte(raw), &t.Value); err != nil {
		return nil, fmt.Errorf("decoding tag value: %w", err)
	}
	t.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return &t, nil
}

// WriteTag updates an existing tag's value.
func (s *Store) WriteTag(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding tag value: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tags SET value = ?, quality = 'Good', ts = ? WHERE path = ?`,
		string(raw), time.Now().UTC().Format(time.RFC3339), path)
	if err != nil {
		return fmt.Errorf("writing tag %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTagNotFound
	}
	return nil
}

// ─── Modules ───────────────────────────────────────────────────────────

// ModuleRecord mirrors the modules table.
type ModuleRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	State    string `json:"state"`
	Detail   string `json:"detail,omitempty"`
}

func (s *Store) CreateModule(ctx context.Context, m ModuleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO modules (id, name, version, checksum, state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Version, m.Checksum, m.State, m.Detail,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating module %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetModule(ctx context.Context, id string) (*ModuleRecord, error) {
	var m ModuleRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, checksum, state, detail FROM modules WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.Version, &m.Checksum, &m.State, &m.Detail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting module %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) ListModules(ctx context.Context) ([]ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, checksum, state, detail FROM modules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var out []ModuleRecord
	for rows.Next() {
		var m ModuleRecord
		if err := rows.Scan(&m.ID, &m.Name, &m.Version, &m.Checksum, &m.State, &m.Detail); err != nil {
			return nil, fmt.Errorf("scanning module: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetModuleState(ctx context.Context, id, state, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE modules SET state = ?, detail = ? WHERE id = ?`, state, detail, id)
	if err != nil {
		return fmt.Errorf("updating module %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrModuleNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the message.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
