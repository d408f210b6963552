package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"wiggledb/pkg/domain"
)

const cacheColumns = `location, request_key, merge_operator, operator_a, locations_a, operator_b, locations_b, userid, last_access`

type cacheRow struct {
	Location      string `db:"location"`
	RequestKey    string `db:"request_key"`
	MergeOperator string `db:"merge_operator"`
	OperatorA     string `db:"operator_a"`
	LocationsA    string `db:"locations_a"`
	OperatorB     string `db:"operator_b"`
	LocationsB    string `db:"locations_b"`
	UserID        string `db:"userid"`
	LastAccess    int64  `db:"last_access"`
}

func (r cacheRow) entry() (domain.CacheEntry, error) {
	locsA, err := decodeLocations(r.LocationsA)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	locsB, err := decodeLocations(r.LocationsB)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	return domain.CacheEntry{
		Key: domain.Key{
			MergeOperator: r.MergeOperator,
			OperatorA:     r.OperatorA,
			LocationsA:    locsA,
			OperatorB:     r.OperatorB,
			LocationsB:    locsB,
		},
		Location:   domain.Location(r.Location),
		UserID:     r.UserID,
		LastAccess: time.Unix(0, r.LastAccess).UTC(),
	}, nil
}

func encodeLocations(locs []domain.Location) (string, error) {
	if locs == nil {
		locs = []domain.Location{}
	}
	b, err := json.Marshal(locs)
	if err != nil {
		return "", errors.Wrap(err, "encode locations")
	}
	return string(b), nil
}

func decodeLocations(raw string) ([]domain.Location, error) {
	var locs []domain.Location
	if err := json.Unmarshal([]byte(raw), &locs); err != nil {
		return nil, errors.Wrap(err, "decode locations")
	}
	return locs, nil
}

// Lookup touches the entry of the key digest and reads it back in one
// transaction. The touch takes the row's write lock first, so an eviction
// either commits before it (a miss) or sees the fresh access time. A digest
// match whose fields differ rolls the touch back.
func (s *Store) Lookup(ctx context.Context, key domain.Key) (domain.Location, bool, error) {
	now := s.now().UnixNano()
	digest := key.Digest()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "begin lookup")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, s.q(`UPDATE cache SET last_access = ? WHERE request_key = ?`), now, digest)
	if err != nil {
		return "", false, errors.Wrap(err, "touch cache entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return "", false, nil
	}
	var row cacheRow
	err = tx.GetContext(ctx, &row, s.q(`SELECT `+cacheColumns+` FROM cache WHERE request_key = ?`), digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "lookup cache")
	}
	entry, err := row.entry()
	if err != nil {
		return "", false, err
	}
	if !entry.Key.Equal(key) {
		return "", false, nil
	}
	if err := tx.Commit(); err != nil {
		return "", false, errors.Wrap(err, "commit lookup")
	}
	committed = true
	return entry.Location, true, nil
}

func (s *Store) Insert(ctx context.Context, entry domain.CacheEntry) error {
	locsA, err := encodeLocations(entry.Key.LocationsA)
	if err != nil {
		return err
	}
	locsB, err := encodeLocations(entry.Key.LocationsB)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO cache (`+cacheColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(entry.Location), entry.Key.Digest(), entry.Key.MergeOperator,
		entry.Key.OperatorA, locsA, entry.Key.OperatorB, locsB,
		entry.UserID, s.now().UnixNano())
	if err != nil {
		if s.isUnique(err) {
			return errors.Wrapf(domain.ErrDuplicateKey, "insert %s", entry.Location)
		}
		return errors.Wrapf(err, "insert cache entry %s", entry.Location)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, loc domain.Location) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE cache SET last_access = ? WHERE location = ?`), s.now().UnixNano(), string(loc))
	if err != nil {
		return false, errors.Wrapf(err, "touch %s", loc)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func (s *Store) IsTracked(ctx context.Context, loc domain.Location) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM cache WHERE location = ?`), string(loc)); err != nil {
		return false, errors.Wrap(err, "is tracked")
	}
	return n > 0, nil
}

func (s *Store) Entry(ctx context.Context, loc domain.Location) (domain.CacheEntry, bool, error) {
	var row cacheRow
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+cacheColumns+` FROM cache WHERE location = ?`), string(loc))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, errors.Wrap(err, "get cache entry")
	}
	entry, err := row.entry()
	if err != nil {
		return domain.CacheEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) ListEntries(ctx context.Context) ([]domain.CacheEntry, error) {
	var rows []cacheRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+cacheColumns+` FROM cache ORDER BY last_access DESC, location`); err != nil {
		return nil, errors.Wrap(err, "list cache")
	}
	out := make([]domain.CacheEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) EvictOlderThan(ctx context.Context, age time.Duration, remove domain.RemoveFunc) ([]domain.CacheEntry, error) {
	cutoff := s.now().Add(-age).UnixNano()
	return s.evict(ctx, &cutoff, remove)
}

func (s *Store) Clear(ctx context.Context, remove domain.RemoveFunc) ([]domain.CacheEntry, error) {
	return s.evict(ctx, nil, remove)
}

// evict deletes candidates one transaction at a time. With a cutoff the
// delete re-checks staleness so an entry touched since selection survives.
// Remove failures keep the row and are reported after the sweep.
func (s *Store) evict(ctx context.Context, cutoff *int64, remove domain.RemoveFunc) ([]domain.CacheEntry, error) {
	var rows []cacheRow
	var err error
	if cutoff != nil {
		err = s.db.SelectContext(ctx, &rows, s.q(`SELECT `+cacheColumns+` FROM cache WHERE last_access < ? ORDER BY last_access`), *cutoff)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+cacheColumns+` FROM cache ORDER BY last_access`)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select eviction candidates")
	}
	var (
		evicted  []domain.CacheEntry
		firstErr error
		failed   int
	)
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		entry, err := r.entry()
		if err != nil {
			return evicted, err
		}
		ok, err := s.evictOne(ctx, entry, cutoff, remove)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			evicted = append(evicted, entry)
		}
	}
	if firstErr != nil {
		return evicted, errors.Wrapf(firstErr, "%d cache entries kept after removal failures", failed)
	}
	return evicted, nil
}

func (s *Store) evictOne(ctx context.Context, entry domain.CacheEntry, cutoff *int64, remove domain.RemoveFunc) (ok bool, retErr error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var res sql.Result
	if cutoff != nil {
		res, err = tx.ExecContext(ctx, s.q(`DELETE FROM cache WHERE location = ? AND last_access < ?`), string(entry.Location), *cutoff)
	} else {
		res, err = tx.ExecContext(ctx, s.q(`DELETE FROM cache WHERE location = ?`), string(entry.Location))
	}
	if err != nil {
		return false, errors.Wrapf(err, "delete %s", entry.Location)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return false, nil
	}
	if remove != nil {
		if err := remove(entry); err != nil {
			return false, errors.Wrapf(err, "remove %s", entry.Location)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit eviction of %s", entry.Location)
	}
	committed = true
	return true, nil
}
