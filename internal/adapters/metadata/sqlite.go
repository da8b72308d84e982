package metadata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foundry/repos/internal/core/models"
	"github.com/foundry/repos/internal/core/services"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MetadataStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS packages (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			name             TEXT UNIQUE NOT NULL,
			identifier       TEXT NOT NULL,
			type             TEXT NOT NULL DEFAULT '',
			latest           TEXT NOT NULL DEFAULT '',
			latest_timestamp INTEGER NOT NULL DEFAULT 0,
			created          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_packages_identifier ON packages(identifier);
		CREATE TABLE IF NOT EXISTS artifacts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			key          TEXT UNIQUE NOT NULL,
			package      TEXT NOT NULL,
			version      TEXT NOT NULL,
			branch       TEXT NOT NULL,
			tags         TEXT NOT NULL DEFAULT '[]',
			timestamp    INTEGER NOT NULL,
			info         TEXT NOT NULL DEFAULT 'null',
			content_type TEXT NOT NULL DEFAULT '',
			digest       TEXT NOT NULL DEFAULT '',
			size         INTEGER NOT NULL DEFAULT 0,
			path         TEXT NOT NULL DEFAULT '',
			url          TEXT NOT NULL DEFAULT '',
			url_tags     TEXT NOT NULL DEFAULT '{}',
			created      INTEGER NOT NULL,
			modified     INTEGER NOT NULL,
			UNIQUE(package, version, branch),
			FOREIGN KEY (package) REFERENCES packages(name) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_modified ON artifacts(package, modified);
		CREATE INDEX IF NOT EXISTS idx_artifacts_path ON artifacts(path);
	`)
	return err
}

const packageColumns = "id, name, identifier, type, latest, latest_timestamp, created"

func scanPackage(row interface{ Scan(...any) error }) (*models.Package, error) {
	var p models.Package
	err := row.Scan(&p.ID, &p.Name, &p.Identifier, &p.Type, &p.Latest, &p.LatestTimestamp, &p.Created)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) EnsurePackage(pkg models.Package) (*models.Package, error) {
	if pkg.Identifier == "" {
		pkg.Identifier = pkg.Name
	}
	if pkg.Created == 0 {
		pkg.Created = time.Now().Unix()
	}
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO packages (name, identifier, type, created) VALUES (?, ?, ?, ?)",
		pkg.Name, pkg.Identifier, pkg.Type, pkg.Created,
	)
	if err != nil {
		return nil, fmt.Errorf("creating package: %w", err)
	}

	p, err := s.GetPackage(pkg.Name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: package %s vanished after create", services.ErrNotFound, pkg.Name)
	}
	return p, nil
}

func (s *SQLiteStore) GetPackage(name string) (*models.Package, error) {
	p, err := scanPackage(s.db.QueryRow("SELECT "+packageColumns+" FROM packages WHERE name = ?", name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting package: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetPackageByIdentifier(identifier string) (*models.Package, error) {
	p, err := scanPackage(s.db.QueryRow(
		"SELECT "+packageColumns+" FROM packages WHERE identifier = ? ORDER BY id LIMIT 1", identifier,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting package by identifier: %w", err)
	}
	return p, nil
}

var packageSortColumns = map[string]string{
	"name":             "name",
	"type":             "type",
	"latest":           "latest",
	"latest_timestamp": "latest_timestamp",
	"created":          "created",
}

func (s *SQLiteStore) ListPackages(q models.PackageQuery) ([]models.Package, error) {
	var where []string
	var args []any
	if q.Search != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+q.Search+"%")
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}

	order := "name ASC"
	if q.Sort != "" {
		dir := "ASC"
		col := q.Sort
		if strings.HasPrefix(col, "-") {
			dir = "DESC"
			col = col[1:]
		}
		c, ok := packageSortColumns[col]
		if !ok {
			return nil, fmt.Errorf("%w: cannot sort packages by %q", services.ErrValidation, q.Sort)
		}
		order = c + " " + dir + ", name ASC"
	}

	query := "SELECT " + packageColumns + " FROM packages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order + pageClause(q.Skip, q.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	defer rows.Close()

	var pkgs []models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning package: %w", err)
		}
		pkgs = append(pkgs, *p)
	}
	return pkgs, rows.Err()
}

func (s *SQLiteStore) UpdateLatest(name, version string, timestamp int64) error {
	result, err := s.db.Exec(
		"UPDATE packages SET latest = ?, latest_timestamp = ? WHERE name = ?",
		version, timestamp, name,
	)
	if err != nil {
		return fmt.Errorf("updating latest: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: package %s", services.ErrNotFound, name)
	}
	return nil
}

func (s *SQLiteStore) DeletePackage(name string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM artifacts WHERE package = ?", name)
	if err != nil {
		return 0, fmt.Errorf("deleting artifacts: %w", err)
	}
	removed, _ := result.RowsAffected()

	result, err = tx.Exec("DELETE FROM packages WHERE name = ?", name)
	if err != nil {
		return 0, fmt.Errorf("deleting package: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: package %s", services.ErrNotFound, name)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing package delete: %w", err)
	}
	return int(removed), nil
}

const artifactColumns = "id, key, package, version, branch, tags, timestamp, info, content_type, digest, size, path, url, url_tags, created, modified"

func scanArtifact(row interface{ Scan(...any) error }) (*models.Artifact, error) {
	var (
		a                   models.Artifact
		tags, info, urlTags string
		modified            int64
	)
	err := row.Scan(&a.ID, &a.Key, &a.Package, &a.Version, &a.Branch, &tags, &a.Timestamp, &info,
		&a.ContentType, &a.Digest, &a.Size, &a.Path, &a.URL, &urlTags, &a.Created, &modified)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := json.Unmarshal([]byte(info), &a.Info); err != nil {
		return nil, fmt.Errorf("decoding info: %w", err)
	}
	if err := json.Unmarshal([]byte(urlTags), &a.URLTags); err != nil {
		return nil, fmt.Errorf("decoding url tags: %w", err)
	}
	a.Modified = time.Unix(0, modified).UTC()
	return &a, nil
}

func artifactWhere(f models.ArtifactFilter) (string, []any) {
	var where []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("key", f.Key)
	add("package", f.Package)
	add("version", f.Version)
	add("branch", f.Branch)
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *SQLiteStore) FindArtifact(f models.ArtifactFilter) (*models.Artifact, error) {
	where, args := artifactWhere(f)
	a, err := scanArtifact(s.db.QueryRow(
		"SELECT "+artifactColumns+" FROM artifacts"+where+" ORDER BY modified DESC, id DESC LIMIT 1", args...,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding artifact: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(f models.ArtifactFilter) ([]models.Artifact, error) {
	where, args := artifactWhere(f)
	rows, err := s.db.Query(
		"SELECT "+artifactColumns+" FROM artifacts"+where+" ORDER BY modified DESC, id DESC"+pageClause(f.Skip, f.Limit),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func (s *SQLiteStore) SaveArtifact(a *models.Artifact) error {
	if a.Tags == nil {
		a.Tags = []string{}
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	info, err := json.Marshal(a.Info)
	if err != nil {
		return fmt.Errorf("encoding info: %w", err)
	}
	urlTags, err := json.Marshal(a.URLTags)
	if err != nil {
		return fmt.Errorf("encoding url tags: %w", err)
	}
	if a.Modified.IsZero() {
		a.Modified = time.Now().UTC()
	}
	modified := a.Modified.UnixNano()

	if a.ID == 0 {
		result, err := s.db.Exec(`
			INSERT INTO artifacts (key, package, version, branch, tags, timestamp, info, content_type,
				digest, size, path, url, url_tags, created, modified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.Key, a.Package, a.Version, a.Branch, string(tags), a.Timestamp, string(info), a.ContentType,
			a.Digest, a.Size, a.Path, a.URL, string(urlTags), a.Created, modified)
		if err != nil {
			if isUniqueConstraint(err) {
				return fmt.Errorf("%w: artifact %s@%s (%s) already exists", services.ErrConflict, a.Package, a.Version, a.Branch)
			}
			return fmt.Errorf("creating artifact: %w", err)
		}
		a.ID, _ = result.LastInsertId()
		return nil
	}

	result, err := s.db.Exec(`
		UPDATE artifacts SET branch = ?, tags = ?, timestamp = ?, info = ?, content_type = ?, digest = ?,
			size = ?, path = ?, url = ?, url_tags = ?, modified = ?
		WHERE id = ?
	`, a.Branch, string(tags), a.Timestamp, string(info), a.ContentType, a.Digest,
		a.Size, a.Path, a.URL, string(urlTags), modified, a.ID)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: artifact %s@%s (%s) already exists", services.ErrConflict, a.Package, a.Version, a.Branch)
		}
		return fmt.Errorf("updating artifact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: artifact %d", services.ErrNotFound, a.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteArtifact(id int64) error {
	result, err := s.db.Exec("DELETE FROM artifacts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: artifact %d", services.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) ReferencedPaths() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT DISTINCT path FROM artifacts WHERE path != ''")
	if err != nil {
		return nil, fmt.Errorf("querying referenced paths: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		refs[p] = true
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func pageClause(skip, limit int) string {
	switch {
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(skip, 0))
	case skip > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", skip)
	}
	return ""
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
