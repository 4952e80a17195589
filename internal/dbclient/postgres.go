package dbclient

import (
	"errors"

	"github.com/lib/pq"
)

// SQLSTATE classes that describe conditions worth retrying: connection
// exceptions, transaction rollbacks (serialization, deadlock), insufficient
// resources and operator intervention (admin shutdown, query canceled).
var transientPostgresClasses = map[pq.ErrorClass]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

func isTransientPostgres(err error) (transient, matched bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false, false
	}
	return transientPostgresClasses[pqErr.Code.Class()], true
}

// postgresMaintenance returns the statements run by Maintain.
func postgresMaintenance(table string) []string {
	if table == "" {
		return []string{"VACUUM ANALYZE"}
	}
	return []string{"VACUUM ANALYZE " + table}
}
