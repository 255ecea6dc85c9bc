package storage

import (
	"embed"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect holds the statements that differ between SQL backends. Queries
// are written with '?' placeholders and rebound per backend.
type dialect struct {
	name      string
	migration string
	// lockHint is appended to the existence check of insert-if-absent so
	// concurrent creators serialize on the key.
	lockHint string
	// ignoreConflict is appended to insert-if-absent.
	ignoreConflict string
	upsertDedup    string
	numbered       bool
}

var sqliteDialect = dialect{
	name:           "sqlite",
	migration:      "migrations/sqlite.sql",
	ignoreConflict: " ON CONFLICT DO NOTHING",
	upsertDedup: `INSERT INTO dedup(dkey, until_ms) VALUES(?,?)
		ON CONFLICT(dkey) DO UPDATE SET until_ms=excluded.until_ms`,
}

var mssqlDialect = dialect{
	name:      "mssql",
	migration: "migrations/mssql.sql",
	lockHint:  " WITH (UPDLOCK, HOLDLOCK)",
	upsertDedup: `MERGE dedup WITH (HOLDLOCK) AS t
		USING (SELECT ? AS k, ? AS u) AS s ON t.dkey = s.k
		WHEN MATCHED THEN UPDATE SET until_ms = s.u
		WHEN NOT MATCHED THEN INSERT (dkey, until_ms) VALUES (s.k, s.u);`,
	numbered: true,
}

// insertIfAbsent builds an INSERT of cols into table that is a no-op when a
// row with keyCol already exists. Args are the column values followed by the
// key once more.
func (d dialect) insertIfAbsent(table, keyCol string, cols ...string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString("(")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") SELECT ")
	b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(table)
	b.WriteString(d.lockHint)
	b.WriteString(" WHERE ")
	b.WriteString(keyCol)
	b.WriteString(" = ?)")
	b.WriteString(d.ignoreConflict)
	return b.String()
}

// rebind rewrites '?' placeholders to @p1..@pN for backends that need it.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] != '?' {
			b.WriteByte(q[i])
			continue
		}
		n++
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
