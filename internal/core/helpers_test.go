package core

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wiggledb/internal/infra/persistence/memory"
	"wiggledb/internal/tool"
	"wiggledb/pkg/domain"
)

// fakeTool stands in for the merge tool. "write" commands write output to
// their destination, index commands write a stub bigWig, and "write_bg"
// commands print one line per counted region.
type fakeTool struct {
	mu       sync.Mutex
	calls    [][]string
	writes   int
	output   string
	fail     bool
	regions  int
	overlaps map[string]int
}

func (f *fakeTool) Run(_ context.Context, argv []string) (tool.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	switch argv[1] {
	case "write":
		dest := argv[2]
		if strings.HasSuffix(dest, IndexSuffix) {
			return tool.Output{}, os.WriteFile(dest, []byte("bigwig"), 0o644)
		}
		f.writes++
		if f.fail {
			return tool.Output{Stderr: []byte("bad operator")}, &domain.ToolError{Command: argv, ExitCode: 2, Stderr: "bad operator"}
		}
		return tool.Output{}, os.WriteFile(dest, []byte(f.output), 0o644)
	case "write_bg":
		n := f.regions
		if argv[3] == "overlaps" {
			n = f.overlaps[argv[4]]
		}
		return tool.Output{Stdout: []byte(strings.Repeat("chr1\t1\t2\t1\n", n))}, nil
	}
	return tool.Output{}, fmt.Errorf("unexpected command %v", argv)
}

func (f *fakeTool) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *memory.Store
	tool    *fakeTool
	clock   *clock
	workdir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore(memory.WithClock(clk.Now))
	ctx := context.Background()
	require.NoError(t, store.LoadDatasets(ctx, []domain.DatasetEntry{
		{Location: "/data/d1.bw", ID: "D1", Attributes: map[string]string{"cell": "K562", "mark": "H3K4me3"}},
		{Location: "/data/d2.bw", ID: "D2", Attributes: map[string]string{"cell": "HeLa", "mark": "H3K4me3"}},
		{Location: "/data/d3.bw", ID: "D3", Attributes: map[string]string{"cell": "HeLa", "mark": "CTCF"}},
	}))
	require.NoError(t, store.AddAnnotation(ctx, domain.AnnotationEntry{Name: "tss", Location: "/annot/tss.bed", Description: "TSS", RegionCount: 40}, []string{"chr1"}))
	require.NoError(t, store.AddAnnotation(ctx, domain.AnnotationEntry{Name: "enh", Location: "/annot/enh.bed", Description: "Enhancers", RegionCount: 10}, []string{"chr1"}))
	return &fixture{
		store:   store,
		tool:    &fakeTool{output: "chr1\t1\t100\n", regions: 8, overlaps: map[string]int{"/annot/tss.bed": 2, "/annot/enh.bed": 5}},
		clock:   clk,
		workdir: t.TempDir(),
	}
}

func (f *fixture) toolkit() *tool.Toolkit {
	return tool.New(f.tool)
}

func (f *fixture) dispatcher(opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(f.store, f.toolkit(), f.workdir, opts...)
}

func sequentialNames() func() string {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("out%d", n)
	}
}

func meanRequest(locs ...string) domain.Request {
	return domain.Request{A: domain.Operand{Operator: "mean", Locations: domain.Locations(locs...)}}
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	require.True(t, os.IsNotExist(err), "stat %s: %v", path, err)
	return false
}

func workdirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
