package postgres

import "fmt"

type queries struct {
	schema []string

	createTask    string
	lockTask      string
	insertRecord  string
	recordAt      string
	trimRecords   string
	updateTask    string
	taskExists    string
	listRecords   string
	statTask      string
	deleteTask    string
	deleteExpired string

	addClient    string
	touchClient  string
	hasClient    string
	removeClient string
	countClients string
	evictStale   string
}

// buildQueries renders every statement for the validated table prefix.
func buildQueries(prefix string) queries {
	tasks := prefix + "tasks"
	records := prefix + "records"
	clients := prefix + "clients"
	return queries{
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id      TEXT PRIMARY KEY,
	last_seq     BIGINT NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0,
	sealed       BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at   TIMESTAMPTZ NOT NULL
)`, tasks),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id TEXT NOT NULL REFERENCES %s (task_id) ON DELETE CASCADE,
	seq     BIGINT NOT NULL,
	data    JSON NOT NULL,
	PRIMARY KEY (task_id, seq)
)`, records, tasks),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id   TEXT NOT NULL REFERENCES %s (task_id) ON DELETE CASCADE,
	client_id TEXT NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (task_id, client_id)
)`, clients, tasks),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at)`, tasks, tasks),
		},

		createTask: fmt.Sprintf(`INSERT INTO %s (task_id, expires_at) VALUES ($1, $2)
ON CONFLICT (task_id) DO NOTHING`, tasks),
		lockTask: fmt.Sprintf(`SELECT last_seq, record_count, sealed FROM %s
WHERE task_id = $1 AND expires_at > $2 FOR UPDATE`, tasks),
		insertRecord: fmt.Sprintf(`INSERT INTO %s (task_id, seq, data) VALUES ($1, $2, $3)`, records),
		recordAt:     fmt.Sprintf(`SELECT data::text FROM %s WHERE task_id = $1 AND seq = $2`, records),
		trimRecords:  fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1 AND seq <= $2`, records),
		updateTask: fmt.Sprintf(`UPDATE %s SET last_seq = $2, record_count = $3, sealed = $4, expires_at = $5
WHERE task_id = $1`, tasks),
		taskExists: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE task_id = $1 AND expires_at > $2)`, tasks),
		listRecords: fmt.Sprintf(`SELECT seq, data FROM %s WHERE task_id = $1 AND seq > $2
ORDER BY seq`, records),
		statTask: fmt.Sprintf(`SELECT last_seq, record_count, sealed, expires_at FROM %s
WHERE task_id = $1 AND expires_at > $2`, tasks),
		deleteTask:    fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1`, tasks),
		deleteExpired: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, tasks),

		addClient: fmt.Sprintf(`INSERT INTO %s (task_id, client_id, last_seen)
SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM %s WHERE task_id = $1 AND expires_at > $4)
ON CONFLICT (task_id, client_id) DO UPDATE SET last_seen = EXCLUDED.last_seen`, clients, tasks),
		touchClient:  fmt.Sprintf(`UPDATE %s SET last_seen = $3 WHERE task_id = $1 AND client_id = $2`, clients),
		hasClient:    fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE task_id = $1 AND client_id = $2)`, clients),
		removeClient: fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1 AND client_id = $2`, clients),
		countClients: fmt.Sprintf(`SELECT count(c.client_id) FROM %s t
LEFT JOIN %s c ON c.task_id = t.task_id
WHERE t.task_id = $1 AND t.expires_at > $2
GROUP BY t.task_id`, tasks, clients),
		evictStale: fmt.Sprintf(`DELETE FROM %s WHERE last_seen < $1`, clients),
	}
}
