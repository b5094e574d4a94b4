package pg

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/kvknd/substrated/internal/store"
)

// sqlxIn expands a named query with an IN (:slice) clause into positional bind
// params, the combination sqlx recommends for dynamic IN-lists (sqlx.Named +
// sqlx.In), used by queries that optionally filter on a caller-supplied topic list.
func sqlxIn(namedQuery string, arg any) (string, []any, error) {
	query, args, err := sqlx.Named(namedQuery, arg)
	if err != nil {
		return "", nil, err
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return query, args, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// translateNotFound maps sql.ErrNoRows to the store package's sentinel so callers
// across both backends (pg and memtest) can use the same errors.Is check.
func translateNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
