package store

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a referenced conversation or parent does
	// not exist.
	ErrNotFound = errors.New("store: conversation not found")

	// ErrDuplicateID is returned when a conversation ID is already taken.
	ErrDuplicateID = errors.New("store: duplicate conversation id")

	// ErrInvalidArgument is returned for malformed input that must not be
	// retried.
	ErrInvalidArgument = errors.New("store: invalid argument")

	// ErrInvalidIndex is returned for a negative branch point index.
	ErrInvalidIndex = fmt.Errorf("%w: branch point index must be non-negative", ErrInvalidArgument)

	// ErrDeleteFailed is returned when a tree deletion aborted. Nothing in
	// the relational store has been removed when it is returned.
	ErrDeleteFailed = errors.New("store: delete failed")
)

// sqliteCode extracts the extended result code from a driver error, or 0.
func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isForeignKeyViolation(err error) bool {
	code := sqliteCode(err)
	if code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), "FOREIGN KEY")
}

func isUniqueViolation(err error) bool {
	switch code := sqliteCode(err); code {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return code&0xff == sqlite3.SQLITE_CONSTRAINT &&
			(strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY"))
	}
}
