//go:build cgo && sqlite_fts5

// mattn/go-sqlite3 only compiles FTS5 in with the sqlite_fts5 tag, so the
// cgo driver is used only when that tag is set.

package store

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func dataSourceName(path string, readOnly bool) string {
	if readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate", path)
}
