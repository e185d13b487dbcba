package archive

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
)

func TestAnnexLatestWins(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	f := seedFragment(t, a, seedInstrument(t, a, "A").ID, "se:1", "")
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	failed, err := a.UpsertAnnex(ctx, f.ID, "a.pdf", models.AnnexOutcome{
		Status:        models.ConversionFailed,
		ConverterTool: "marker",
		Warnings:      []string{"timeout"},
		ConvertedAt:   t0,
	})
	require.NoError(t, err)

	ok, err := a.UpsertAnnex(ctx, f.ID, "a.pdf", models.AnnexOutcome{
		Status:           models.ConversionSuccess,
		MarkdownPath:     "A/annexes/a.md",
		ContentHash:      checksum.Sum([]byte("# Annexe")),
		ConverterTool:    "marker",
		ConverterVersion: "1.2.0",
		Metadata:         map[string]any{"pages": float64(3)},
		ConvertedAt:      t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, failed.ID, ok.ID, "one row per (fragment, pdf url)")

	annexes, err := Collect(a.ListAnnexes(ctx, f.ID))
	require.NoError(t, err)
	require.Len(t, annexes, 1)
	assert.Equal(t, models.ConversionSuccess, annexes[0].Status)
	assert.Empty(t, annexes[0].Warnings)
	assert.Equal(t, map[string]any{"pages": float64(3)}, annexes[0].Metadata)
}

func TestAnnexValidation(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	f := seedFragment(t, a, seedInstrument(t, a, "A").ID, "se:1", "")

	bad := []models.AnnexOutcome{
		{Status: "exploded", ConverterTool: "marker"},
		{Status: models.ConversionSuccess},
		{Status: models.ConversionSuccess, ConverterTool: "marker", ContentHash: "abc"},
	}
	for _, out := range bad {
		_, err := a.UpsertAnnex(ctx, f.ID, "a.pdf", out)
		assert.True(t, apperr.IsConstraint(err), "%+v", out)
	}
	_, err := a.UpsertAnnex(ctx, f.ID, " ", models.AnnexOutcome{Status: models.ConversionSkipped, ConverterTool: "none"})
	assert.True(t, apperr.IsConstraint(err))

	annexes, err := Collect(a.ListAnnexes(ctx, f.ID))
	require.NoError(t, err)
	assert.Empty(t, annexes)
}

func TestListAnnexesNewestFirst(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	f := seedFragment(t, a, seedInstrument(t, a, "A").ID, "se:1", "")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, url := range []string{"old.pdf", "new.pdf", "mid.pdf"} {
		offset := map[int]time.Duration{0: 0, 1: 2 * time.Hour, 2: time.Hour}[i]
		_, err := a.UpsertAnnex(ctx, f.ID, url, models.AnnexOutcome{
			Status: models.ConversionSkipped, ConverterTool: "none", ConvertedAt: base.Add(offset),
		})
		require.NoError(t, err)
	}

	var urls []string
	for an, err := range a.ListAnnexes(ctx, f.ID) {
		require.NoError(t, err)
		urls = append(urls, an.PDFURL)
	}
	assert.Equal(t, []string{"new.pdf", "mid.pdf", "old.pdf"}, urls)
}

func TestRelationshipGraphIdempotent(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	inst := seedInstrument(t, a, "A")
	f := seedFragment(t, a, inst.ID, "se:1", "")

	j1, err := a.UpsertJurisdiction(ctx, "QC", "Québec", "province")
	require.NoError(t, err)
	j2, err := a.UpsertJurisdiction(ctx, "QC", "Quebec", "state")
	require.NoError(t, err)
	assert.Equal(t, j1, j2, "existing jurisdiction is left unchanged")

	require.NoError(t, a.SetInstrumentJurisdiction(ctx, inst.ID, j1.ID))
	require.NoError(t, a.SetInstrumentJurisdiction(ctx, inst.ID, j1.ID))
	got, err := a.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, j1.ID, got.JurisdictionID)
	assert.ErrorIs(t, a.SetInstrumentJurisdiction(ctx, 999, j1.ID), apperr.ErrNotFound)

	tag, err := a.UpsertTag(ctx, "legisquebec")
	require.NoError(t, err)
	same, err := a.UpsertTag(ctx, " legisquebec ")
	require.NoError(t, err)
	assert.Equal(t, tag, same)
	require.NoError(t, a.TagFragment(ctx, f.ID, tag.ID))
	require.NoError(t, a.TagFragment(ctx, f.ID, tag.ID))

	snap, _, err := a.InsertSnapshotIfNew(ctx, f.ID, "20240101", checksum.Sum([]byte("x")), "")
	require.NoError(t, err)
	require.NoError(t, a.LinkFragmentToSnapshot(ctx, f.ID, snap.ID, models.LinkVersion))
	require.NoError(t, a.LinkFragmentToSnapshot(ctx, f.ID, snap.ID, models.LinkVersion))
	assert.True(t, apperr.IsConstraint(a.LinkFragmentToSnapshot(ctx, f.ID, snap.ID, "")))

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	want := map[string]int{
		"jurisdictions": 1, "instruments": 1, "fragments": 1, "current_pages": 0, "snapshots": 1,
		"annexes": 0, "tags": 1, "fragment_tags": 1, "fragment_links": 1,
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteFragmentCascades(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	inst := seedInstrument(t, a, "A")
	doomed := seedFragment(t, a, inst.ID, "se:1", "")
	child := seedFragment(t, a, inst.ID, "se:1.1", "se:1")
	other := seedFragment(t, a, inst.ID, "se:2", "")

	j, err := a.UpsertJurisdiction(ctx, "QC", "Québec", "province")
	require.NoError(t, err)
	tag, err := a.UpsertTag(ctx, "legisquebec")
	require.NoError(t, err)

	for _, f := range []models.Fragment{doomed, other} {
		require.NoError(t, a.TagFragment(ctx, f.ID, tag.ID))
		snap, _, err := a.InsertSnapshotIfNew(ctx, f.ID, "20240101", checksum.Sum([]byte(f.Code)), "")
		require.NoError(t, err)
		require.NoError(t, a.LinkFragmentToSnapshot(ctx, f.ID, snap.ID, models.LinkVersion))
		_, err = a.UpsertAnnex(ctx, f.ID, "a.pdf", models.AnnexOutcome{Status: models.ConversionSuccess, ConverterTool: "marker"})
		require.NoError(t, err)
		require.NoError(t, a.WriteCurrentPointer(ctx, models.CurrentPointer{FragmentID: f.ID, ContentRef: "x"}))
	}

	require.NoError(t, a.DeleteFragment(ctx, doomed.ID))

	for _, table := range []struct{ name, col string }{
		{"annexes", "fragment_id"},
		{"fragment_tags", "fragment_id"},
		{"fragment_links", "from_fragment_id"},
		{"current_pages", "fragment_id"},
		{"snapshots", "fragment_id"},
	} {
		var n int
		require.NoError(t, a.conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+table.name+" WHERE "+table.col+" = ?", doomed.ID).Scan(&n))
		assert.Zero(t, n, table.name)
	}

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["annexes"])
	assert.Equal(t, 1, counts["fragment_tags"])
	assert.Equal(t, 1, counts["fragment_links"])
	assert.Equal(t, 1, counts["jurisdictions"])
	assert.Equal(t, 1, counts["tags"])

	orphan, err := a.GetFragment(ctx, child.ID)
	require.NoError(t, err)
	assert.Zero(t, orphan.ParentID, "children become roots")
	_, err = a.FindJurisdiction(ctx, j.Code)
	require.NoError(t, err)
}

func TestEndToEndQuebecFragment(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	inst, err := a.UpsertInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "C-12", Language: "fr"},
		models.InstrumentFields{Name: "Charte des droits et libertés de la personne"})
	require.NoError(t, err)
	j, err := a.UpsertJurisdiction(ctx, "QC", "Québec", "province")
	require.NoError(t, err)
	require.NoError(t, a.SetInstrumentJurisdiction(ctx, inst.ID, j.ID))

	f := seedFragment(t, a, inst.ID, "se:1", "")
	tag, err := a.UpsertTag(ctx, "legisquebec")
	require.NoError(t, err)
	require.NoError(t, a.TagFragment(ctx, f.ID, tag.ID))

	require.NoError(t, a.WriteCurrentPointer(ctx, models.CurrentPointer{
		FragmentID: f.ID, ContentRef: "C-12/current.xhtml", ContentHash: checksum.Sum([]byte("current")),
	}))
	for _, d := range []string{"2024-06-01", "2024-01-01"} {
		snap, created, err := a.InsertSnapshotIfNew(ctx, f.ID, d, checksum.Sum([]byte(d)), "C-12/history/"+d+".html")
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, a.LinkFragmentToSnapshot(ctx, f.ID, snap.ID, models.LinkVersion))
	}
	_, err = a.UpsertAnnex(ctx, f.ID, "a.pdf", models.AnnexOutcome{
		Status: models.ConversionSuccess, ConverterTool: "marker", ContentHash: checksum.Sum([]byte("md")),
	})
	require.NoError(t, err)

	snaps, err := Collect(a.ListSnapshots(ctx, f.ID))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "20240101", snaps[0].Date)
	assert.Equal(t, "20240601", snaps[1].Date)

	annexes, err := Collect(a.ListAnnexes(ctx, f.ID))
	require.NoError(t, err)
	require.Len(t, annexes, 1)
	assert.Equal(t, models.ConversionSuccess, annexes[0].Status)

	byJurisdiction, err := a.InstrumentsByJurisdiction(ctx, "QC")
	require.NoError(t, err)
	require.Len(t, byJurisdiction, 1)
	assert.Equal(t, "C-12", byJurisdiction[0].InstrumentName)

	current, err := a.CurrentByFragment(ctx, "C-12", "se:1")
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "C-12/current.xhtml", current[0].ContentRef)

	rows, err := a.SnapshotsByFragment(ctx, "Charte des droits et libertés de la personne", "")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, a.DeleteFragment(ctx, f.ID))
	for _, q := range []string{
		"SELECT COUNT(*) FROM annexes WHERE fragment_id = ?",
		"SELECT COUNT(*) FROM fragment_tags WHERE fragment_id = ?",
		"SELECT COUNT(*) FROM fragment_links WHERE from_fragment_id = ?",
	} {
		var n int
		require.NoError(t, a.conn.QueryRowContext(ctx, q, f.ID).Scan(&n))
		assert.Zero(t, n, q)
	}

	report, err := a.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%v", report.Lines())
}

func TestVerifyReport(t *testing.T) {
	a := openTest(t)
	report, err := a.Verify(context.Background())
	require.NoError(t, err)

	lines := report.Lines()
	require.NotEmpty(t, lines)
	assert.Equal(t, "OK", lines[0])
	assert.Contains(t, lines[1], "user_version=3")
	assert.Contains(t, lines[2], "foreign_keys=1")
	assert.Contains(t, lines[3], "snapshots=0")

	report.Add("history parity", false, "instrument A: disk=3 archive=2")
	assert.False(t, report.OK())
	assert.Equal(t, "FAIL", report.Lines()[0])
}
