package ledger

import "strings"

// migration holds a single schema migration with its target version and
// statements. Statements use {{key}}, {{text}} and {{time}} placeholders
// that each dialect fills with its own column types.
type migration struct {
	version int
	stmts   []string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS mailbox_accounts (
	id             {{key}} PRIMARY KEY,
	address        {{key}} NOT NULL UNIQUE,
	credential_ref {{text}} NOT NULL,
	active         {{bool}} NOT NULL DEFAULT 1,
	created_at     {{time}} NOT NULL,
	updated_at     {{time}} NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS processed_messages (
	id            {{key}} PRIMARY KEY,
	message_id    {{key}} NOT NULL,
	uid           BIGINT NOT NULL,
	account_email {{key}} NOT NULL,
	from_email    {{text}} NOT NULL,
	to_email      {{text}} NOT NULL,
	subject       {{text}} NOT NULL,
	received_at   {{time}} NOT NULL,
	processed_at  {{time}} NOT NULL
)`,
			`CREATE UNIQUE INDEX idx_processed_account_message
	ON processed_messages(account_email, message_id)`,
			`CREATE INDEX idx_processed_account_uid
	ON processed_messages(account_email, uid)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE INDEX idx_processed_processed_at
	ON processed_messages(processed_at)`,
		},
	},
}

// dialect describes the column types and driver of one database engine.
type dialect struct {
	name     string
	driver   string
	replacer *strings.Replacer
}

var dialects = map[string]dialect{
	"sqlite": {
		name:   "sqlite",
		driver: "sqlite",
		replacer: strings.NewReplacer(
			"{{key}}", "TEXT", "{{text}}", "TEXT",
			"{{time}}", "DATETIME", "{{bool}}", "INTEGER",
		),
	},
	"postgres": {
		name:   "postgres",
		driver: "pgx",
		replacer: strings.NewReplacer(
			"{{key}}", "TEXT", "{{text}}", "TEXT",
			"{{time}}", "TIMESTAMPTZ", "{{bool}}", "SMALLINT",
		),
	},
	"mysql": {
		name:   "mysql",
		driver: "mysql",
		replacer: strings.NewReplacer(
			"{{key}}", "VARCHAR(255)", "{{text}}", "TEXT",
			"{{time}}", "DATETIME(6)", "{{bool}}", "TINYINT",
		),
	},
}

// render fills the type placeholders of stmt for d.
func (d dialect) render(stmt string) string {
	return d.replacer.Replace(stmt)
}
