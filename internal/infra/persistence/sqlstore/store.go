// Package sqlstore implements domain.PersistentStore on database/sql through
// sqlx. Dialects only differ in driver name and error classification.
package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"wiggledb/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the per-engine differences.
type Dialect struct {
	// DriverName selects the sqlx bind type (question mark or dollar).
	DriverName string
	// IsUniqueViolation classifies uniqueness and primary key violations.
	IsUniqueViolation func(error) bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for last-access stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the relational implementation shared by the sqlite and postgres
// drivers.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps an open database handle. Call Migrate before use.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: sqlx.NewDb(db, dialect.DriverName), dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "execute ddl")
		}
	}
	return nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) isUnique(err error) bool {
	return s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err)
}

type annotationRow struct {
	Name        string `db:"name"`
	Location    string `db:"location"`
	Description string `db:"description"`
	RegionCount int64  `db:"region_count"`
	Assembly    string `db:"assembly"`
}

func (r annotationRow) entry() domain.AnnotationEntry {
	return domain.AnnotationEntry{
		Name:        r.Name,
		Location:    domain.Location(r.Location),
		Description: r.Description,
		RegionCount: r.RegionCount,
		Assembly:    r.Assembly,
	}
}

type userDatasetRow struct {
	Name        string `db:"name"`
	Location    string `db:"location"`
	UserID      string `db:"userid"`
	RegionCount int64  `db:"region_count"`
	HasHistory  bool   `db:"has_history"`
}

func (r userDatasetRow) entry() domain.UserDatasetEntry {
	return domain.UserDatasetEntry{
		Name:        r.Name,
		Location:    domain.Location(r.Location),
		UserID:      r.UserID,
		RegionCount: r.RegionCount,
		HasHistory:  r.HasHistory,
	}
}

const (
	annotationColumns  = `name, location, description, region_count, assembly`
	userDatasetColumns = `name, location, userid, region_count, has_history`
)

func (s *Store) FindDataset(ctx context.Context, loc domain.Location) (domain.DatasetEntry, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, s.q(`SELECT id FROM datasets WHERE location = ?`), string(loc))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DatasetEntry{}, false, nil
	}
	if err != nil {
		return domain.DatasetEntry{}, false, errors.Wrap(err, "find dataset")
	}
	attrs, err := s.attributesOf(ctx, loc)
	if err != nil {
		return domain.DatasetEntry{}, false, err
	}
	return domain.DatasetEntry{Location: loc, ID: id, Attributes: attrs}, true, nil
}

func (s *Store) attributesOf(ctx context.Context, loc domain.Location) (map[string]string, error) {
	var rows []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT name, value FROM dataset_attributes WHERE location = ?`), string(loc)); err != nil {
		return nil, errors.Wrap(err, "select dataset attributes")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

func (s *Store) FindAnnotation(ctx context.Context, name string) (domain.AnnotationEntry, bool, error) {
	var row annotationRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+annotationColumns+` FROM annotation_datasets WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AnnotationEntry{}, false, nil
	}
	if err != nil {
		return domain.AnnotationEntry{}, false, errors.Wrap(err, "find annotation")
	}
	return row.entry(), true, nil
}

func (s *Store) FindUserDataset(ctx context.Context, name, userID string) (domain.UserDatasetEntry, bool, error) {
	var row userDatasetRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+userDatasetColumns+` FROM user_datasets WHERE name = ? AND userid = ?`), name, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserDatasetEntry{}, false, nil
	}
	if err != nil {
		return domain.UserDatasetEntry{}, false, errors.Wrap(err, "find user dataset")
	}
	return row.entry(), true, nil
}

// FindUserDatasetByLocation prefers raw uploads over entries with history.
func (s *Store) FindUserDatasetByLocation(ctx context.Context, loc domain.Location) (domain.UserDatasetEntry, bool, error) {
	var rows []userDatasetRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+userDatasetColumns+` FROM user_datasets WHERE location = ? ORDER BY has_history, name, userid`), string(loc))
	if err != nil {
		return domain.UserDatasetEntry{}, false, errors.Wrap(err, "find user dataset by location")
	}
	if len(rows) == 0 {
		return domain.UserDatasetEntry{}, false, nil
	}
	return rows[0].entry(), true, nil
}

func (s *Store) SelectDatasets(ctx context.Context, constraints map[string][]string) ([]domain.Location, error) {
	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	query := `SELECT location FROM datasets WHERE 1 = 1`
	var args []any
	for _, name := range names {
		values := constraints[name]
		if len(values) == 0 {
			continue
		}
		query += ` AND location IN (SELECT location FROM dataset_attributes WHERE name = ? AND value IN (?))`
		args = append(args, name, values)
	}
	query += ` ORDER BY location`
	if len(args) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, errors.Wrap(err, "expand selection")
		}
	}
	var raw []string
	if err := s.db.SelectContext(ctx, &raw, s.q(query), args...); err != nil {
		return nil, errors.Wrap(err, "select datasets")
	}
	return domain.Locations(raw...), nil
}

func (s *Store) DatasetAttributes(ctx context.Context) (map[string][]string, error) {
	var rows []struct {
		Name  string `db:"name"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT DISTINCT name, value FROM dataset_attributes ORDER BY name, value`); err != nil {
		return nil, errors.Wrap(err, "select attributes")
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.Name] = append(out[r.Name], r.Value)
	}
	return out, nil
}

func (s *Store) ListDatasets(ctx context.Context) ([]domain.DatasetEntry, error) {
	var rows []struct {
		Location string `db:"location"`
		ID       string `db:"id"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT location, id FROM datasets ORDER BY location`); err != nil {
		return nil, errors.Wrap(err, "list datasets")
	}
	var attrs []struct {
		Location string `db:"location"`
		Name     string `db:"name"`
		Value    string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &attrs, `SELECT location, name, value FROM dataset_attributes`); err != nil {
		return nil, errors.Wrap(err, "list dataset attributes")
	}
	byLoc := make(map[string]map[string]string)
	for _, a := range attrs {
		if byLoc[a.Location] == nil {
			byLoc[a.Location] = make(map[string]string)
		}
		byLoc[a.Location][a.Name] = a.Value
	}
	out := make([]domain.DatasetEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DatasetEntry{Location: domain.Location(r.Location), ID: r.ID, Attributes: byLoc[r.Location]})
	}
	return out, nil
}

func (s *Store) ListAnnotations(ctx context.Context) ([]domain.AnnotationEntry, error) {
	var rows []annotationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+annotationColumns+` FROM annotation_datasets ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "list annotations")
	}
	out := make([]domain.AnnotationEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

func (s *Store) ListUserDatasets(ctx context.Context, userID string) ([]domain.UserDatasetEntry, error) {
	var rows []userDatasetRow
	var err error
	if userID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+userDatasetColumns+` FROM user_datasets ORDER BY userid, name`)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.q(`SELECT `+userDatasetColumns+` FROM user_datasets WHERE userid = ? ORDER BY name`), userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list user datasets")
	}
	out := make([]domain.UserDatasetEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

func (s *Store) Chromosomes(ctx context.Context, assembly string) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, s.q(`SELECT name FROM chromosomes WHERE assembly = ? ORDER BY name`), assembly); err != nil {
		return nil, errors.Wrap(err, "list chromosomes")
	}
	return names, nil
}

// LoadDatasets inserts every entry in one transaction.
func (s *Store) LoadDatasets(ctx context.Context, entries []domain.DatasetEntry) (retErr error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	insertDataset := s.q(`INSERT INTO datasets (location, id) VALUES (?, ?)`)
	insertAttr := s.q(`INSERT INTO dataset_attributes (location, name, value) VALUES (?, ?, ?)`)
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertDataset, string(e.Location), e.ID); err != nil {
			return errors.Wrapf(err, "insert dataset %s", e.Location)
		}
		names := make([]string, 0, len(e.Attributes))
		for name := range e.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := tx.ExecContext(ctx, insertAttr, string(e.Location), name, e.Attributes[name]); err != nil {
				return errors.Wrapf(err, "insert attribute %s of %s", name, e.Location)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit datasets")
}

func (s *Store) AddAnnotation(ctx context.Context, entry domain.AnnotationEntry, chromosomes []string) (retErr error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO annotation_datasets (`+annotationColumns+`) VALUES (?, ?, ?, ?, ?)`),
		entry.Name, string(entry.Location), entry.Description, entry.RegionCount, entry.Assembly)
	if err != nil {
		if s.isUnique(err) {
			return errors.Wrapf(domain.ErrNameUsed, "annotation %s", entry.Name)
		}
		return errors.Wrapf(err, "insert annotation %s", entry.Name)
	}
	insertChrom := s.q(`INSERT INTO chromosomes (assembly, name) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	for _, chrom := range chromosomes {
		if _, err := tx.ExecContext(ctx, insertChrom, entry.Assembly, chrom); err != nil {
			return errors.Wrapf(err, "register chromosome %s", chrom)
		}
	}
	return errors.Wrap(tx.Commit(), "commit annotation")
}

func (s *Store) AddUserDataset(ctx context.Context, entry domain.UserDatasetEntry) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO user_datasets (`+userDatasetColumns+`) VALUES (?, ?, ?, ?, ?)`),
		entry.Name, string(entry.Location), entry.UserID, entry.RegionCount, entry.HasHistory)
	if err != nil {
		if s.isUnique(err) {
			return errors.Wrapf(domain.ErrNameUsed, "user dataset %s", entry.Name)
		}
		return errors.Wrapf(err, "insert user dataset %s", entry.Name)
	}
	return nil
}

func (s *Store) RemoveUserDataset(ctx context.Context, name, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM user_datasets WHERE name = ? AND userid = ?`), name, userID)
	if err != nil {
		return false, errors.Wrapf(err, "remove user dataset %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}
