package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/models"
	"github.com/starford/lexarchive/internal/testutil"
)

func hash(c string) string { return strings.Repeat(c, 64) }

// seed stores instrumentA/se:1 with a current pointer, two snapshots and
// one converted annex, all with fixed values.
func seed(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	a := testutil.TestArchive(t)

	inst, err := a.UpsertInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "instrumentA", Language: "fr"},
		models.InstrumentFields{Name: "Code A", SourceURL: "https://www.legisquebec.gouv.qc.ca/fr/document/lc/A"})
	require.NoError(t, err)
	j, err := a.UpsertJurisdiction(ctx, "QC", "Québec", "province")
	require.NoError(t, err)
	require.NoError(t, a.SetInstrumentJurisdiction(ctx, inst.ID, j.ID))

	frag, err := a.UpsertFragment(ctx, inst.ID, "se:1", "")
	require.NoError(t, err)
	_, err = a.UpsertFragment(ctx, inst.ID, "se:1-ss:1", "se:1")
	require.NoError(t, err)
	require.NoError(t, a.WriteCurrentPointer(ctx, models.CurrentPointer{
		FragmentID:  frag.ID,
		ContentRef:  "instrumentA/current.xhtml",
		ContentHash: hash("c"),
		ExtractedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
	for _, v := range []struct{ date, h string }{{"2024-02-29", "b"}, {"20200101", "a"}} {
		_, _, err := a.InsertSnapshotIfNew(ctx, frag.ID, v.date, hash(v.h), "instrumentA/history/se:1/"+strings.ReplaceAll(v.date, "-", "")+".html")
		require.NoError(t, err)
	}
	_, err = a.UpsertAnnex(ctx, frag.ID, "https://www.legisquebec.gouv.qc.ca/annexe-1.pdf", models.AnnexOutcome{
		Status:        models.ConversionSuccess,
		MarkdownPath:  "instrumentA/annexe-1.md",
		ContentHash:   hash("d"),
		ConverterTool: "marker",
		ConvertedAt:   time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	tag, err := a.UpsertTag(ctx, "legisquebec")
	require.NoError(t, err)
	require.NoError(t, a.TagFragment(ctx, frag.ID, tag.ID))
	return NewService(a)
}

func TestQueryCSVGolden(t *testing.T) {
	svc := seed(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	params := Params{Instrument: "instrumentA", Fragment: "se:1", Jurisdiction: "QC"}
	for _, q := range Queries {
		t.Run(string(q), func(t *testing.T) {
			table, err := svc.Run(context.Background(), q, params)
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, table.WriteCSV(&buf))
			g.Assert(t, string(q), buf.Bytes())
		})
	}
}

func TestEmptyResultWritesHeaderOnly(t *testing.T) {
	svc := seed(t)
	for _, q := range Queries {
		table, err := svc.Run(context.Background(), q, Params{Instrument: "nope", Fragment: "se:1", Jurisdiction: "ON"})
		require.NoError(t, err, q)
		assert.NotNil(t, table.Rows, q)

		var buf bytes.Buffer
		require.NoError(t, table.WriteCSV(&buf))
		records, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 1, q)
		assert.Equal(t, Header(q), records[0])
	}
}

func TestSnapshotsOrderedByDate(t *testing.T) {
	svc := seed(t)
	rows, err := svc.SnapshotsByFragment(context.Background(), "instrumentA", "se:1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "20200101", rows[0].Date)
	assert.Equal(t, "20240229", rows[1].Date)
}

func TestRunValidatesParams(t *testing.T) {
	svc := seed(t)
	_, err := svc.Run(context.Background(), CurrentByFragment, Params{Fragment: "se:1"})
	assert.True(t, apperr.IsConstraint(err))

	_, err = svc.Run(context.Background(), InstrumentsByJurisdiction, Params{Instrument: "instrumentA"})
	assert.True(t, apperr.IsConstraint(err))

	_, err = ParseQuery("everything")
	assert.True(t, apperr.IsConstraint(err))
	q, err := ParseQuery("annexes-by-fragment")
	require.NoError(t, err)
	assert.Equal(t, AnnexesByFragment, q)
}

func TestFragmentDetail(t *testing.T) {
	svc := seed(t)
	ctx := context.Background()

	d, err := svc.Fragment(ctx, "instrumentA", "se:1-ss:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"se:1"}, d.Ancestors)
	assert.Empty(t, d.Tags)
	assert.Nil(t, d.Current)

	d, err = svc.Fragment(ctx, "instrumentA", "se:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"legisquebec"}, d.Tags)
	require.NotNil(t, d.Current)
	assert.Equal(t, hash("c"), d.Current.ContentHash)
	require.NotNil(t, d.LatestSnapshot)
	assert.Equal(t, "20240229", d.LatestSnapshot.Date)
	assert.Equal(t, 2, d.Snapshots)
	assert.Equal(t, 1, d.Annexes)

	_, err = svc.Fragment(ctx, "instrumentA", "se:99")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteFragmentByName(t *testing.T) {
	svc := seed(t)
	ctx := context.Background()

	frag, err := svc.DeleteFragment(ctx, "instrumentA", "se:1")
	require.NoError(t, err)
	assert.Equal(t, "se:1", frag.Code)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["snapshots"])
	assert.Zero(t, stats["annexes"])
	assert.Zero(t, stats["current_pages"])
	assert.Equal(t, 1, stats["instruments"])

	_, err = svc.DeleteFragment(ctx, "instrumentA", "se:1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecords(t *testing.T) {
	table := Table{Header: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}
	assert.Equal(t, []map[string]string{{"a": "1", "b": "2"}}, table.Records())

	var buf bytes.Buffer
	require.NoError(t, Table{Header: []string{"a"}, Rows: [][]string{}}.WriteJSON(&buf))
	assert.Equal(t, "[]\n", buf.String())
}
