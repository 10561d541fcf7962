package sqlite

// migration is one schema step. Versions are sequential from 1.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mark_read_outbox (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	token     TEXT NOT NULL UNIQUE,
	ids       TEXT NOT NULL DEFAULT '[]',
	all_read  INTEGER NOT NULL DEFAULT 0,
	category  TEXT,
	issued_at TEXT NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE mark_read_outbox ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
