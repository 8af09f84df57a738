package db

import (
	"database/sql"
	"errors"
	"strings"
)

// IsUniqueConstraintErr reports whether err is a SQLite/libSQL unique or
// primary-key constraint violation, the signal repositories map to
// kernelerr.ErrConflict. Matched on message substring since
// modernc.org/sqlite and the libsql driver do not share a common typed
// error for this.
func IsUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

// IsNoRows reports whether err is database/sql's "no matching row" sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
