package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"wiggledb/internal/blob"
	"wiggledb/pkg/domain"
)

func newTestService(t *testing.T, f *fixture, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{
		WithWorkingDirectory(f.workdir),
		withDispatcherOptions(withNameGenerator(sequentialNames())),
	}, opts...)
	svc, err := NewService(f.store, f.toolkit(), opts...)
	require.NoError(t, err)
	return svc
}

func TestServiceComputeStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f, WithLinks(Links{Server: "browser.example", Species: "Homo_sapiens", Gene: "BRCA2"}))

	req := ComputeRequest{A: Selection{Attributes: map[string][]string{"mark": {"H3K4me3"}}, Operator: "mean"}}
	st := svc.Compute(ctx, req)
	require.Equal(t, StatusDone, st.Status, st.Message)
	require.Equal(t, filepath.Join(f.workdir, "out1.bed"), string(st.Location))
	require.Equal(t, []string{"wiggletools", "write", string(st.Location), "mean", "/data/d1.bw", "/data/d2.bw", ":"}, f.tool.calls[0])
	require.Equal(t, string(st.Location), st.URL, "no blob store: the url is the raw location")
	require.Equal(t, "http://browser.example/Homo_sapiens/Location/View?g=BRCA2;contigviewbottom=url:"+st.URL+".bw", st.View)
	require.False(t, st.Cached)

	again := svc.Compute(ctx, req)
	require.Equal(t, StatusDone, again.Status)
	require.True(t, again.Cached)
	require.Equal(t, st.Location, again.Location)

	invalid := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"GM12878"}}, Operator: "mean"}})
	require.Equal(t, StatusInvalid, invalid.Status)

	unknown := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"tissue": {"liver"}}, Operator: "mean"}})
	require.Equal(t, StatusInvalid, unknown.Status)

	f.tool.output = ""
	empty := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"HeLa"}}, Operator: "max"}})
	require.Equal(t, StatusEmpty, empty.Status)

	f.tool.fail = true
	failed := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"HeLa"}}, Operator: "max"}})
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "bad operator", failed.Diagnostics)
}

func TestServiceComputeWithFiltersAndAnnotations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f)

	st := svc.Compute(ctx, ComputeRequest{
		MergeOperator: "overlaps",
		A: Selection{
			Attributes: map[string][]string{"cell": {"K562"}},
			Filters:    []Filter{{Operator: "unit", Extend: 500, Annotation: "tss"}},
			Operator:   "mean",
		},
		B: &Selection{Annotations: []string{"tss", "missing", "enh"}},
	})
	require.Equal(t, StatusDone, st.Status, st.Message)
	require.True(t, strings.HasSuffix(string(st.Location), ReportSuffix))
	require.Equal(t, st.URL+".png", st.View)
	require.Equal(t,
		[]string{"wiggletools", "write_bg", "-", "unit", "extend", "500", "/annot/tss.bed", "mean", "/data/d1.bw", ":"},
		f.tool.calls[0])

	missing := svc.Compute(ctx, ComputeRequest{A: Selection{
		Attributes: map[string][]string{"cell": {"K562"}},
		Filters:    []Filter{{Operator: "unit", Annotation: "nope"}},
		Operator:   "mean",
	}})
	require.Equal(t, StatusInvalid, missing.Status)
}

func TestServiceDryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f)

	st := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"HeLa"}}, Operator: "sum"}, DryRun: true})
	require.Equal(t, StatusDone, st.Status)
	require.Equal(t, "sum", st.Command[3])
	require.Empty(t, f.tool.calls)
}

func TestServiceUserDatasets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	blobs := blob.NewMemory()
	svc := newTestService(t, f, WithBlobStore(blobs))

	computed := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"K562"}}, Operator: "mean"}, UserID: "alice"})
	require.Equal(t, StatusDone, computed.Status)
	require.Equal(t, "memory://out1.bed", computed.URL)

	require.Equal(t, StatusNameUsed, svc.RegisterUserDataset(ctx, "tss", computed.Location, "alice").Status)

	reg := svc.RegisterUserDataset(ctx, "my-mean", computed.Location, "alice")
	require.Equal(t, StatusUploaded, reg.Status, reg.Message)
	require.Equal(t, StatusNameUsed, svc.RegisterUserDataset(ctx, "my-mean", computed.Location, "alice").Status)

	list, err := svc.UserDatasets(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].HasHistory)
	require.EqualValues(t, 1, list[0].RegionCount)

	share := svc.ShareUserDataset(ctx, "my-mean", "alice")
	require.Equal(t, StatusSuccess, share.Status)
	require.Equal(t, "memory://out1.bed", share.URL)
	require.Equal(t, StatusError, svc.ShareUserDataset(ctx, "my-mean", "bob").Status)

	// the user's dataset is usable as an operand and resolves through its history
	derived := svc.Compute(ctx, ComputeRequest{
		MergeOperator: "diff",
		A:             Selection{UserDatasets: []string{"my-mean"}, Operator: "unit"},
		B:             &Selection{Attributes: map[string][]string{"cell": {"HeLa"}}, Operator: "mean"},
		UserID:        "alice",
	})
	require.Equal(t, StatusDone, derived.Status, derived.Message)
	prov := svc.Provenance(ctx, derived.Location)
	require.Equal(t, StatusSuccess, prov.Status)
	require.Equal(t, "diff unit (mean D1) : mean D2 D3", prov.Expression)

	count := svc.CountSelection(ctx, Selection{Attributes: map[string][]string{"cell": {"HeLa"}}}, "")
	require.Equal(t, StatusSuccess, count.Status)
	require.Equal(t, 2, *count.Count)

	require.Equal(t, StatusRemoved, svc.RemoveUserDataset(ctx, "my-mean", "alice").Status)
	require.Equal(t, StatusError, svc.RemoveUserDataset(ctx, "my-mean", "alice").Status)
}

func TestServiceSweepAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f)

	first := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"K562"}}, Operator: "mean"}})
	require.Equal(t, StatusDone, first.Status)
	f.clock.Advance(10 * 24 * time.Hour)
	second := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"HeLa"}}, Operator: "mean"}})
	require.Equal(t, StatusDone, second.Status)

	st := svc.Sweep(ctx, 7*24*time.Hour)
	require.Equal(t, StatusDone, st.Status)
	require.Equal(t, 1, st.Evicted)
	require.False(t, fileExists(t, string(first.Location)))

	entries, err := svc.CacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	cleared := svc.ClearCache(ctx)
	require.Equal(t, StatusDone, cleared.Status)
	require.Equal(t, 1, cleared.Evicted)
	require.Empty(t, workdirEntries(t, f.workdir))
}

func TestServiceDescribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := newTestService(t, f)

	st := svc.Describe(ctx, "enh")
	require.Equal(t, StatusSuccess, st.Status)
	require.Equal(t, "Enhancers", st.Annotation.Description)
	require.Equal(t, StatusError, svc.Describe(ctx, "nope").Status)
}

type panickingStore struct {
	domain.PersistentStore
}

func (panickingStore) Lookup(context.Context, domain.Key) (domain.Location, bool, error) {
	panic("corrupt row")
}

func TestServiceRecoversPanics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	svc, err := NewService(panickingStore{f.store}, f.toolkit(), WithWorkingDirectory(f.workdir), WithMetrics(metrics))
	require.NoError(t, err)

	st := svc.Compute(ctx, ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"K562"}}, Operator: "mean"}})
	require.Equal(t, StatusError, st.Status)
	require.Contains(t, st.Message, "corrupt row")
	require.Equal(t, 1, testutil.CollectAndCount(metrics.duration))
}

func (panickingStore) ListDatasets(context.Context) ([]domain.DatasetEntry, error) {
	panic("corrupt row")
}

func TestServiceListingsRecoverPanics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	svc, err := NewService(panickingStore{f.store}, f.toolkit(), WithWorkingDirectory(f.workdir), WithMetrics(metrics))
	require.NoError(t, err)

	var list []domain.DatasetEntry
	require.NotPanics(t, func() { list, err = svc.Datasets(ctx) })
	require.ErrorContains(t, err, "corrupt row")
	require.Nil(t, list)
	require.Equal(t, 1, testutil.CollectAndCount(metrics.duration))

	_, err = svc.Annotations(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, testutil.CollectAndCount(metrics.duration))
}

func TestServiceMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	svc := newTestService(t, f, WithMetrics(metrics))

	req := ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"K562"}}, Operator: "mean"}}
	svc.Compute(ctx, req)
	svc.Compute(ctx, req)
	f.clock.Advance(time.Hour)
	svc.Sweep(ctx, time.Minute)

	require.InDelta(t, 1, testutil.ToFloat64(metrics.lookups.WithLabelValues("hit")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.lookups.WithLabelValues("miss")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.toolRuns.WithLabelValues("done")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(metrics.evictions), 0)
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	st := Status{Status: StatusSuccess, Provenance: domain.Derived{OperatorA: "mean", OperandsA: []domain.Expression{domain.RawDataset{ID: "D1"}}}}
	raw, err := json.Marshal(st)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"status":"SUCCESS"`)
	require.Contains(t, string(raw), `"kind":"derived"`)
	require.NotContains(t, string(raw), `"location"`)
}

func TestLinksView(t *testing.T) {
	l := Links{Server: "e.org", Species: "Mus_musculus", Gene: "Actb"}
	require.Equal(t, "http://e.org/Mus_musculus/Location/View?g=Actb;contigviewbottom=url:http://x/a.bw", l.View("/wd/a.bw", "http://x/a.bw"))
	require.Equal(t, "http://e.org/Mus_musculus/Location/View?g=Actb;contigviewbottom=url:http://x/a.bed.bw", l.View("/wd/a.bed", "http://x/a.bed"))
	require.Equal(t, "http://x/r.txt.png", l.View("/wd/r.txt", "http://x/r.txt"))
	require.Equal(t, "http://x/a.bed.bw", Links{}.View("/wd/a.bed", "http://x/a.bed"))
}
