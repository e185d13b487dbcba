package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lexarchive/internal/apperr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), DefaultFileName)
}

func openAt(t *testing.T, path string, opts ...Option) *Archive {
	t.Helper()
	a, err := Open(context.Background(), path, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func openTest(t *testing.T) *Archive {
	t.Helper()
	return openAt(t, tempPath(t))
}

// schemaObjects lists user tables, indexes and columns of the file at path.
func schemaObjects(t *testing.T, path string) map[string]bool {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(`SELECT type, name FROM sqlite_master WHERE name NOT LIKE 'sqlite_%'`)
	require.NoError(t, err)
	var tables []string
	out := make(map[string]bool)
	for rows.Next() {
		var typ, name string
		require.NoError(t, rows.Scan(&typ, &name))
		out[typ+":"+name] = true
		if typ == "table" {
			tables = append(tables, name)
		}
	}
	require.NoError(t, rows.Err())
	rows.Close()

	for _, table := range tables {
		cols, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
		require.NoError(t, err)
		for cols.Next() {
			var col string
			require.NoError(t, cols.Scan(&col))
			out[fmt.Sprintf("column:%s.%s", table, col)] = true
		}
		require.NoError(t, cols.Err())
		cols.Close()
	}
	return out
}

func recordedVersion(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	v, err := readVersion(context.Background(), db)
	require.NoError(t, err)
	return v
}

func TestOpenFreshArchive(t *testing.T) {
	a := openTest(t)

	v, err := a.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	assert.Equal(t, []int{1, 2, 3}, a.AppliedSteps())

	objs := schemaObjects(t, a.Path())
	for _, want := range []string{
		"table:instruments", "table:fragments", "table:current_pages", "table:snapshots",
		"table:annexes", "table:jurisdictions", "table:tags", "table:fragment_tags", "table:fragment_links",
		"column:instruments.jurisdiction_id",
	} {
		assert.True(t, objs[want], "missing %s", want)
	}
}

func TestForwardOnlyMigration(t *testing.T) {
	path := tempPath(t)

	a := openAt(t, path, WithTargetVersion(1))
	require.NoError(t, a.Close())
	require.Equal(t, 1, recordedVersion(t, path))
	before := schemaObjects(t, path)

	b := openAt(t, path)
	assert.Equal(t, []int{2, 3}, b.AppliedSteps())
	require.NoError(t, b.Close())
	assert.Equal(t, 3, recordedVersion(t, path))
	after := schemaObjects(t, path)

	added := make(map[string]bool)
	for obj := range after {
		if !before[obj] {
			added[obj] = true
		}
	}
	for obj := range before {
		assert.True(t, after[obj], "object %s lost by migration", obj)
	}
	want := map[string]bool{
		"table:annexes":                          true,
		"index:idx_annexes_fragment_converted":   true,
		"table:tags":                             true,
		"table:fragment_tags":                    true,
		"index:idx_fragment_tags_tag":            true,
		"table:fragment_links":                   true,
		"index:idx_fragment_links_snapshot":      true,
		"index:idx_instruments_jurisdiction":     true,
		"column:instruments.jurisdiction_id":     true,
		"column:tags.id":                         true,
		"column:tags.name":                       true,
		"column:fragment_tags.fragment_id":       true,
		"column:fragment_tags.tag_id":            true,
		"column:fragment_links.id":               true,
		"column:fragment_links.from_fragment_id": true,
		"column:fragment_links.to_snapshot_id":   true,
		"column:fragment_links.link_type":        true,
	}
	for _, col := range []string{
		"id", "fragment_id", "pdf_url", "pdf_path", "md_path", "content_sha256", "converter_tool",
		"converter_version", "provenance", "conversion_status", "warnings_json", "metadata_json", "converted_at",
	} {
		want["column:annexes."+col] = true
	}
	assert.Equal(t, want, added)

	c := openAt(t, path)
	assert.Empty(t, c.AppliedSteps())
	assert.Equal(t, after, schemaObjects(t, path))
}

func TestFailingStepLeavesVersionUntouched(t *testing.T) {
	path := tempPath(t)
	openAt(t, path, WithTargetVersion(1)).Close()

	broken := []step{
		schemaSteps[0],
		{version: 2, name: "broken", apply: func(ctx context.Context, c *sql.Conn) error {
			if _, err := c.ExecContext(ctx, `CREATE TABLE half_done (id INTEGER)`); err != nil {
				return err
			}
			return errors.New("boom")
		}},
	}
	_, err := Open(context.Background(), path, WithLogger(quietLogger()), withSteps(broken))
	require.Error(t, err)

	var merr *apperr.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, 2, merr.Version)

	assert.Equal(t, 1, recordedVersion(t, path))
	objs := schemaObjects(t, path)
	assert.False(t, objs["table:half_done"], "failed step must be rolled back")
	assert.True(t, objs["table:instruments"])
	assert.True(t, objs["table:snapshots"])

	a := openAt(t, path)
	assert.Equal(t, []int{2, 3}, a.AppliedSteps())
}

func TestSchemaTooNew(t *testing.T) {
	path := tempPath(t)
	openAt(t, path).Close()

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 99`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), path, WithLogger(quietLogger()))
	require.ErrorIs(t, err, apperr.ErrSchemaTooNew)
	assert.Equal(t, 99, recordedVersion(t, path))
}

func TestConcurrentOpenAppliesEachStepOnce(t *testing.T) {
	path := tempPath(t)
	// Create the file in WAL mode up front so only the migration races.
	openAt(t, path, WithTargetVersion(0)).Close()

	const openers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied []int
		errs    []error
	)
	for range openers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := Open(context.Background(), path, WithLogger(quietLogger()))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			applied = append(applied, a.AppliedSteps()...)
			a.Close()
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.ElementsMatch(t, []int{1, 2, 3}, applied)
	assert.Equal(t, SchemaVersion, recordedVersion(t, path))
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, filepath.Join("data", DefaultFileName), DefaultPath("data/out"))
	assert.Equal(t, DefaultFileName, DefaultPath(""))
}
