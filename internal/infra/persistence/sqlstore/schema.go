package sqlstore

// Schema is the DDL applied on open. It is portable between SQLite and
// Postgres; booleans and timestamps are stored in types both accept.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS datasets (
		location TEXT PRIMARY KEY,
		id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_attributes (
		location TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (location, name)
	)`,
	`CREATE INDEX IF NOT EXISTS dataset_attributes_name_value ON dataset_attributes (name, value)`,
	`CREATE TABLE IF NOT EXISTS annotation_datasets (
		name TEXT PRIMARY KEY,
		location TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		region_count BIGINT NOT NULL DEFAULT 0,
		assembly TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS user_datasets (
		name TEXT NOT NULL,
		location TEXT NOT NULL,
		userid TEXT NOT NULL,
		region_count BIGINT NOT NULL DEFAULT 0,
		has_history BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (name, userid)
	)`,
	`CREATE INDEX IF NOT EXISTS user_datasets_location ON user_datasets (location)`,
	`CREATE TABLE IF NOT EXISTS chromosomes (
		assembly TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (assembly, name)
	)`,
	`CREATE TABLE IF NOT EXISTS cache (
		location TEXT PRIMARY KEY,
		request_key TEXT NOT NULL UNIQUE,
		merge_operator TEXT NOT NULL,
		operator_a TEXT NOT NULL,
		locations_a TEXT NOT NULL,
		operator_b TEXT NOT NULL,
		locations_b TEXT NOT NULL,
		userid TEXT NOT NULL DEFAULT '',
		last_access BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cache_last_access ON cache (last_access)`,
}
