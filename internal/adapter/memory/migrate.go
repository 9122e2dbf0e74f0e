package memory

import "database/sql"

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS records (
			collection  TEXT NOT NULL,
			id          TEXT NOT NULL,
			text        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL DEFAULT '{}',
			embedding   BLOB,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS records_collection ON records(collection);
	`
	_, err := db.Exec(schema)
	return err
}
