//go:build !cgo || !sqlite_fts5

package store

import (
	"fmt"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

func dataSourceName(path string, readOnly bool) string {
	if readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
}
