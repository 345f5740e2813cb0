package store

import "fmt"

// dialect abstracts the handful of SQL differences between Postgres and
// SQLite so every operation above this file has exactly one definition, per
// the redesign note in spec §9 ("duplicate Postgres vs. embedded code paths
// → parameterized SQL templates with a dialect adapter").
type dialect struct {
	name Mode
	// placeholder returns the bind-parameter token for 1-based position n.
	placeholder func(n int) string
	// skipLocked is appended to SELECT ... FOR UPDATE when the backend
	// supports row-skip locking (Postgres). SQLite gets a
	// single-writer-at-a-time guarantee from the single open connection
	// configured in embedded.go instead.
	skipLocked bool
	upsertVerb string // "ON CONFLICT" works on both backends since sqlite 3.24+
}

func postgresDialect() dialect {
	return dialect{
		name:       ModeStrictPostgres,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		skipLocked: true,
		upsertVerb: "ON CONFLICT",
	}
}

func sqliteDialect() dialect {
	return dialect{
		name:       ModeEmbedded,
		placeholder: func(int) string { return "?" },
		skipLocked: false,
		upsertVerb: "ON CONFLICT",
	}
}

// ph is shorthand for d.placeholder(n).
func (d dialect) ph(n int) string { return d.placeholder(n) }
