package legacy

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/archive"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/testutil"
)

const legacySchema = `
CREATE TABLE instruments(id INTEGER PRIMARY KEY, name TEXT, source_url TEXT);
CREATE TABLE fragments(id INTEGER PRIMARY KEY, instrument_id INT, section_num INT, title TEXT);
CREATE TABLE current(instrument_id INT, fragment_id INT, html TEXT, url TEXT);
`

const legacyHistory = `
CREATE TABLE snapshots(id INTEGER PRIMARY KEY, fragment_id INT, date TEXT, html TEXT, url TEXT);
CREATE TABLE tags(id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE tag_map(fragment_id INT, tag_id INT);
CREATE TABLE links(id INTEGER PRIMARY KEY, src INT, dst INT);
`

// writeLegacy creates a legacy database from schema and statements.
func writeLegacy(t *testing.T, schema string, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(schema)
	require.NoError(t, err)
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return path
}

// fullLegacy holds one instrument with two sections, a current page for
// se:1, two snapshots in mixed date formats and one tag on both sections.
func fullLegacy(t *testing.T) string {
	return writeLegacy(t, legacySchema+legacyHistory,
		`INSERT INTO instruments VALUES (1, 'InstrumentLegacy', 'https://example.test/inst')`,
		`INSERT INTO fragments VALUES (1, 1, 1, 'One'), (2, 1, 2, 'Two')`,
		`INSERT INTO current VALUES (1, 1, '<div id="se:1">Current1</div>', 'https://example.test/cur')`,
		`INSERT INTO snapshots VALUES (1, 1, '2021-01-02', '<div id="se:1">Snap1</div>', 'https://example.test/s1')`,
		`INSERT INTO snapshots VALUES (2, 1, '2021/03/04', '<div id="se:1">Snap2</div>', '')`,
		`INSERT INTO tags VALUES (1, 'alpha')`,
		`INSERT INTO tag_map VALUES (1, 1), (2, 1)`,
	)
}

func openSource(t *testing.T, path string) *Source {
	t.Helper()
	src, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func TestPreviewCounts(t *testing.T) {
	path := fullLegacy(t)
	src := openSource(t, path)

	c, err := src.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Instruments: 1, Fragments: 2, Current: 1, Snapshots: 2, Tags: 2}, c)
	assert.Equal(t, "PREVIEW legacy-db="+path+" instruments=1 fragments=2 current=1 snapshots=2 tags=2", PreviewLine(src.Path(), c))
}

func TestCountsWithoutOptionalTables(t *testing.T) {
	src := openSource(t, writeLegacy(t, legacySchema,
		`INSERT INTO instruments VALUES (1, 'A', NULL)`,
		`INSERT INTO fragments VALUES (1, 1, 1, NULL)`,
	))

	c, err := src.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Instruments: 1, Fragments: 1}, c)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "does_not_exist.sqlite"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOpenRejectsForeignDatabase(t *testing.T) {
	path := writeLegacy(t, `CREATE TABLE other(id INTEGER PRIMARY KEY);`)
	_, err := Open(context.Background(), path)
	assert.True(t, apperr.IsConstraint(err), "err: %v", err)
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := testutil.TestArchive(t)
	src := openSource(t, fullLegacy(t))
	im := &Importer{Archive: a, Logger: testutil.Logger()}

	rep, err := im.Import(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, rep.Problems)
	assert.Equal(t, 2, rep.NewSnapshots)
	assert.Equal(t, 2, rep.Links)
	require.NotEmpty(t, rep.Lines)
	assert.True(t, strings.HasPrefix(rep.Lines[0], "IMPORTED legacy-db="), rep.Lines[0])

	cur, err := a.CurrentByFragment(ctx, "InstrumentLegacy", "")
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, "se:1", cur[0].FragmentCode)
	assert.Equal(t, "https://example.test/cur", cur[0].ContentRef)
	assert.Equal(t, checksum.Sum([]byte(`<div id="se:1">Current1</div>`)), cur[0].ContentHash)

	snaps, err := a.SnapshotsByFragment(ctx, "InstrumentLegacy", "se:1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "20210102", snaps[0].Date)
	assert.Equal(t, "20210304", snaps[1].Date)
	assert.Equal(t, "legacy:snapshot/2", snaps[1].ContentRef)

	before, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, before["instruments"])
	assert.Equal(t, 2, before["fragments"])
	assert.Equal(t, 1, before["tags"])
	assert.Equal(t, 2, before["fragment_tags"])

	rep, err = im.Import(ctx, src)
	require.NoError(t, err)
	assert.Zero(t, rep.NewSnapshots)
	assert.Zero(t, rep.Links)
	after, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestImportAppliesDefaultJurisdiction(t *testing.T) {
	ctx := context.Background()
	a := testutil.TestArchive(t)
	src := openSource(t, writeLegacy(t, legacySchema,
		`INSERT INTO instruments VALUES (1, 'NoJurisInstrument', NULL)`,
		`INSERT INTO fragments VALUES (1, 1, 1, 'One')`,
		`INSERT INTO current VALUES (1, 1, '<div id="se:1">C</div>', NULL)`,
	))

	_, err := (&Importer{Archive: a, Logger: testutil.Logger()}).Import(ctx, src)
	require.NoError(t, err)

	rows, err := a.InstrumentsByJurisdiction(ctx, DefaultJurisdiction)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "NoJurisInstrument", rows[0].InstrumentName)

	cur, err := a.CurrentByFragment(ctx, "NoJurisInstrument", "se:1")
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, "legacy:NoJurisInstrument/se:1", cur[0].ContentRef)
}

func TestImportJoinsIngestedInstrument(t *testing.T) {
	ctx := context.Background()
	a := testutil.TestArchive(t)
	ingested, err := a.UpsertInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "InstrumentLegacy", Language: "fr"},
		models.InstrumentFields{})
	require.NoError(t, err)

	_, err = (&Importer{Archive: a, Logger: testutil.Logger()}).Import(ctx, openSource(t, fullLegacy(t)))
	require.NoError(t, err)

	insts, err := a.FindInstruments(ctx, "InstrumentLegacy")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, ingested.ID, insts[0].ID)
	assert.Equal(t, "https://example.test/inst", insts[0].SourceURL)
}

func TestImportRecordsBadSnapshotDate(t *testing.T) {
	ctx := context.Background()
	a := testutil.TestArchive(t)
	src := openSource(t, writeLegacy(t, legacySchema+legacyHistory,
		`INSERT INTO instruments VALUES (1, 'A', NULL)`,
		`INSERT INTO fragments VALUES (1, 1, 1, NULL)`,
		`INSERT INTO snapshots VALUES (1, 1, 'June 1', 'x', NULL), (2, 1, '20200101', 'y', NULL)`,
		`INSERT INTO fragments VALUES (2, 9, 1, NULL)`,
	))

	rep, err := (&Importer{Archive: a, Logger: testutil.Logger()}).Import(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NewSnapshots)
	require.Len(t, rep.Problems, 2)
	assert.Contains(t, rep.Problems[0], "unknown instrument 9")
	assert.Contains(t, rep.Problems[1], "snapshot 1")

	snaps, err := archive.Collect(a.ListSnapshots(ctx, mustFragmentID(t, a, "A", "se:1")))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "20200101", snaps[0].Date)
}

func mustFragmentID(t *testing.T, a *archive.Archive, instrument, code string) int64 {
	t.Helper()
	insts, err := a.FindInstruments(context.Background(), instrument)
	require.NoError(t, err)
	require.NotEmpty(t, insts)
	f, err := a.FindFragment(context.Background(), insts[0].ID, code)
	require.NoError(t, err)
	return f.ID
}
