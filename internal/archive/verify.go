package archive

import (
	"context"
	"fmt"
	"strings"
)

// countedTables are reported by Verify, in this order.
var countedTables = []string{
	"jurisdictions", "instruments", "fragments", "current_pages", "snapshots",
	"annexes", "tags", "fragment_tags", "fragment_links",
}

// Check is one line of a verification report.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Report is the result of Verify. Callers may append their own checks.
type Report struct {
	Checks []Check
}

// Add appends a check.
func (r *Report) Add(name string, ok bool, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, OK: ok, Detail: fmt.Sprintf(format, args...)})
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Lines renders the report: "OK" or "FAIL" first, then one line per check.
func (r Report) Lines() []string {
	head := "OK"
	if !r.OK() {
		head = "FAIL"
	}
	lines := []string{head}
	for _, c := range r.Checks {
		mark := "ok"
		if !c.OK {
			mark = "FAIL"
		}
		lines = append(lines, fmt.Sprintf("%s [%s]: %s", c.Name, mark, c.Detail))
	}
	return lines
}

// Counts returns the row count of every archive table.
func (a *Archive) Counts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(countedTables))
	for _, t := range countedTables {
		var n int
		// Table names come from countedTables, never from input.
		if err := a.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("archive: count %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

// Verify inspects the schema version, connection pragmas, row counts and
// referential integrity. It only returns an error when the archive cannot
// be read at all.
func (a *Archive) Verify(ctx context.Context) (Report, error) {
	var r Report

	v, err := a.Version(ctx)
	if err != nil {
		return r, fmt.Errorf("archive: verify: %w", err)
	}
	r.Add("version", v == SchemaVersion, "user_version=%d target=%d", v, SchemaVersion)

	var fk int
	var journal string
	if err := a.conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return r, fmt.Errorf("archive: verify pragma foreign_keys: %w", err)
	}
	if err := a.conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
		return r, fmt.Errorf("archive: verify pragma journal_mode: %w", err)
	}
	r.Add("pragma", fk == 1, "foreign_keys=%d journal_mode=%s", fk, journal)

	counts, err := a.Counts(ctx)
	if err != nil {
		return r, err
	}
	parts := make([]string, 0, len(countedTables))
	for _, t := range countedTables {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	r.Add("counts", true, "%s", strings.Join(parts, " "))

	violations, err := a.countRows(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return r, err
	}
	r.Add("referential", violations == 0, "foreign_key_check violations=%d", violations)

	var orphanLinks int
	err = a.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fragment_links l
		LEFT JOIN snapshots s ON s.id = l.to_snapshot_id
		LEFT JOIN fragments f ON f.id = l.from_fragment_id
		WHERE s.id IS NULL OR f.id IS NULL`).Scan(&orphanLinks)
	if err != nil {
		return r, fmt.Errorf("archive: verify links: %w", err)
	}
	r.Add("links", orphanLinks == 0, "links=%d orphaned=%d", counts["fragment_links"], orphanLinks)

	return r, nil
}

func (a *Archive) countRows(ctx context.Context, query string) (int, error) {
	rows, err := a.conn.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("archive: %s: %w", query, err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
