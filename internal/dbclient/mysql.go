package dbclient

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// mysqlDSN makes sure DATETIME columns come back as time.Time.
func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Server error numbers that a later attempt may not hit again.
var transientMySQLErrors = map[uint16]bool{
	1040: true, // too many connections
	1205: true, // lock wait timeout
	1213: true, // deadlock
}

func isTransientMySQL(err error) (transient, matched bool) {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true, true
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false, false
	}
	return transientMySQLErrors[myErr.Number], true
}

func mysqlMaintenance(table string) ([]string, error) {
	if table == "" {
		return nil, errors.New("mysql maintenance requires a table name")
	}
	return []string{"OPTIMIZE TABLE " + table, "ANALYZE TABLE " + table}, nil
}
