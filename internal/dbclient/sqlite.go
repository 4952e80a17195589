package dbclient

import (
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteDSN sets a busy timeout so a maintenance connection does not fail
// immediately while a scope holds the write lock.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// SQLite has no per-table VACUUM.
func sqliteMaintenance(table string) []string {
	if table == "" {
		return []string{"VACUUM", "ANALYZE"}
	}
	return []string{"ANALYZE " + table}
}
