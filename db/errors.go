package db

import (
	"strings"

	"github.com/ekho-app/ekho/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while background writes drain during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks for ErrDatabaseClosed or the raw driver message,
// which the sql package returns without a sentinel.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
