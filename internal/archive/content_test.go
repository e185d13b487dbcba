package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/lexarchive/internal/apperr"
	"github.com/starford/lexarchive/internal/checksum"
	"github.com/starford/lexarchive/internal/models"
)

func seedInstrument(t *testing.T, a *Archive, externalID string) models.Instrument {
	t.Helper()
	inst, err := a.UpsertInstrument(context.Background(),
		models.InstrumentKey{JurisdictionCode: "QC", ExternalID: externalID, Language: "fr"},
		models.InstrumentFields{})
	require.NoError(t, err)
	return inst
}

func seedFragment(t *testing.T, a *Archive, instrumentID int64, code, parent string) models.Fragment {
	t.Helper()
	f, err := a.UpsertFragment(context.Background(), instrumentID, code, parent)
	require.NoError(t, err)
	return f
}

func TestUpsertInstrumentKeepsCuratedFields(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	key := models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "C-12", Language: "fr"}

	first, err := a.UpsertInstrument(ctx, key, models.InstrumentFields{SourceURL: "https://a.example/c-12"})
	require.NoError(t, err)

	second, err := a.UpsertInstrument(ctx, key, models.InstrumentFields{
		Name:      "Charte des droits",
		SourceURL: "https://b.example/c-12",
		Metadata:  map[string]any{"chapter": "C-12"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Charte des droits", second.Name, "empty field is filled")
	assert.Equal(t, "https://a.example/c-12", second.SourceURL, "curated field is kept")
	assert.Equal(t, "C-12", second.Metadata["chapter"])

	third, err := a.UpsertInstrument(ctx, key, models.InstrumentFields{Name: "Other"})
	require.NoError(t, err)
	assert.Equal(t, "Charte des droits", third.Name)
}

func TestUpsertInstrumentNormalizesKey(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	composed, err := a.UpsertInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "Qu\u00e9bec", Language: "fr"}, models.InstrumentFields{})
	require.NoError(t, err)
	decomposed, err := a.UpsertInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: " QC", ExternalID: "Que\u0301bec ", Language: "fr"}, models.InstrumentFields{})
	require.NoError(t, err)
	assert.Equal(t, composed.ID, decomposed.ID)

	_, err = a.UpsertInstrument(ctx, models.InstrumentKey{JurisdictionCode: "QC"}, models.InstrumentFields{})
	assert.True(t, apperr.IsConstraint(err))
}

func TestResolveInstrumentReusesCompatible(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	fr := seedInstrument(t, a, "C-12")

	tests := []struct {
		name string
		key  models.InstrumentKey
		same bool
	}{
		{"external id only", models.InstrumentKey{ExternalID: "C-12"}, true},
		{"jurisdiction only", models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "C-12"}, true},
		{"language only", models.InstrumentKey{ExternalID: "C-12", Language: "fr"}, true},
		{"exact", models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "C-12", Language: "fr"}, true},
		{"other language", models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "C-12", Language: "en"}, false},
		{"other jurisdiction", models.InstrumentKey{JurisdictionCode: "CA", ExternalID: "C-12"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inst, err := a.ResolveInstrument(ctx, tc.key, models.InstrumentFields{})
			require.NoError(t, err)
			if tc.same {
				assert.Equal(t, fr.ID, inst.ID)
			} else {
				assert.NotEqual(t, fr.ID, inst.ID)
			}
		})
	}
}

func TestResolveInstrumentPrefersExactKey(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)

	loose, err := a.UpsertInstrument(ctx, models.InstrumentKey{ExternalID: "C-12"}, models.InstrumentFields{})
	require.NoError(t, err)
	exact := seedInstrument(t, a, "C-12")

	got, err := a.ResolveInstrument(ctx,
		models.InstrumentKey{JurisdictionCode: "QC", ExternalID: "C-12", Language: "fr"},
		models.InstrumentFields{Name: "Charte"})
	require.NoError(t, err)
	assert.Equal(t, exact.ID, got.ID)
	assert.Equal(t, "Charte", got.Name)

	got, err = a.ResolveInstrument(ctx, models.InstrumentKey{ExternalID: "C-12"}, models.InstrumentFields{})
	require.NoError(t, err)
	assert.Equal(t, loose.ID, got.ID)

	_, err = a.ResolveInstrument(ctx, models.InstrumentKey{Language: "fr"}, models.InstrumentFields{})
	assert.True(t, apperr.IsConstraint(err))
}

func TestUpsertFragmentCreatesMissingParent(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	inst := seedInstrument(t, a, "A")

	child := seedFragment(t, a, inst.ID, "se:1.1", "se:1")
	parent, err := a.FindFragment(ctx, inst.ID, "se:1")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Zero(t, parent.ParentID)

	again := seedFragment(t, a, inst.ID, "se:1.1", "")
	assert.Equal(t, child, again, "empty parent leaves the existing parent alone")
}

func TestUpsertFragmentRejectsCycles(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	inst := seedInstrument(t, a, "A")

	seedFragment(t, a, inst.ID, "b", "a")
	seedFragment(t, a, inst.ID, "c", "b")

	tests := []struct {
		name, code, parent string
	}{
		{"self", "a", "a"},
		{"direct", "a", "b"},
		{"transitive", "a", "c"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.UpsertFragment(ctx, inst.ID, tc.code, tc.parent)
			var cv *apperr.ConstraintViolation
			require.ErrorAs(t, err, &cv)
			assert.Equal(t, "fragment", cv.Entity)

			root, err := a.FindFragment(ctx, inst.ID, "a")
			require.NoError(t, err)
			assert.Zero(t, root.ParentID, "rejected write must not touch the row")
		})
	}

	ancestors, err := a.Ancestors(ctx, mustFragment(t, a, inst.ID, "c").ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{mustFragment(t, a, inst.ID, "b").ID, mustFragment(t, a, inst.ID, "a").ID}, ancestors)

	// Re-parenting to a sibling branch is fine.
	seedFragment(t, a, inst.ID, "d", "")
	moved := seedFragment(t, a, inst.ID, "c", "d")
	assert.Equal(t, mustFragment(t, a, inst.ID, "d").ID, moved.ParentID)
}

func mustFragment(t *testing.T, a *Archive, instrumentID int64, code string) models.Fragment {
	t.Helper()
	f, err := a.FindFragment(context.Background(), instrumentID, code)
	require.NoError(t, err)
	return f
}

func TestUpsertFragmentUnknownInstrument(t *testing.T) {
	a := openTest(t)
	_, err := a.UpsertFragment(context.Background(), 999, "se:1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCurrentPointerOverwrite(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	f := seedFragment(t, a, seedInstrument(t, a, "A").ID, "se:1", "")

	_, ok, err := a.GetCurrentPointer(ctx, f.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, a.WriteCurrentPointer(ctx, models.CurrentPointer{
		FragmentID: f.ID, ContentRef: "A/current.xhtml", ContentHash: checksum.Sum([]byte("v1")), ExtractedAt: first,
	}))
	second := first.Add(time.Hour)
	require.NoError(t, a.WriteCurrentPointer(ctx, models.CurrentPointer{
		FragmentID: f.ID, ContentRef: "A/current-2.xhtml", ContentHash: checksum.Sum([]byte("v2")), ExtractedAt: second,
	}))

	p, ok, err := a.GetCurrentPointer(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A/current-2.xhtml", p.ContentRef)
	assert.True(t, second.Equal(p.ExtractedAt))

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["current_pages"])

	err = a.WriteCurrentPointer(ctx, models.CurrentPointer{FragmentID: f.ID})
	assert.True(t, apperr.IsConstraint(err))
}

func TestSnapshotDedup(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	f := seedFragment(t, a, seedInstrument(t, a, "A").ID, "se:1", "")
	h1, h2 := checksum.Sum([]byte("one")), checksum.Sum([]byte("two"))

	s1, created, err := a.InsertSnapshotIfNew(ctx, f.ID, "2024-01-01", h1, "history/se:1/20240101.html")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "20240101", s1.Date)

	again, created, err := a.InsertSnapshotIfNew(ctx, f.ID, "20240101", h1, "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.ID, again.ID)
	assert.Equal(t, "history/se:1/20240101.html", again.ContentRef, "snapshots are immutable")

	corrected, created, err := a.InsertSnapshotIfNew(ctx, f.ID, "2024/01/01", h2, "history/se:1/20240101-b.html")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s1.ID, corrected.ID)

	latest, ok, err := a.LatestSnapshot(ctx, f.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, corrected.ID, latest.ID, "same date: last inserted wins")

	_, _, err = a.InsertSnapshotIfNew(ctx, f.ID, "unknown", h1, "")
	assert.True(t, apperr.IsConstraint(err))
}

func TestListSnapshotsOrderedAndRestartable(t *testing.T) {
	ctx := context.Background()
	a := openTest(t)
	f := seedFragment(t, a, seedInstrument(t, a, "A").ID, "se:1", "")

	for _, d := range []string{"20240601", "20200101", "20240101"} {
		_, _, err := a.InsertSnapshotIfNew(ctx, f.ID, d, checksum.Sum([]byte(d)), "")
		require.NoError(t, err)
	}

	seq := a.ListSnapshots(ctx, f.ID)
	for range 2 {
		var dates []string
		for s, err := range seq {
			require.NoError(t, err)
			dates = append(dates, s.Date)
		}
		assert.Equal(t, []string{"20200101", "20240101", "20240601"}, dates)
	}

	// Breaking early must not leak the cursor.
	for range seq {
		break
	}
	empty, err := Collect(a.ListSnapshots(ctx, f.ID+100))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"20240229", "20240229", true},
		{"2024-02-29", "20240229", true},
		{"2024/02/29", "20240229", true},
		{" 2024-01-05 ", "20240105", true},
		{"2023-02-29", "", false},
		{"2024-1-5", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, err := NormalizeDate(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Error(t, err, tc.in)
		}
	}
}

func TestDeleteFragmentUnknown(t *testing.T) {
	a := openTest(t)
	err := a.DeleteFragment(context.Background(), 42)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
