package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"wiggledb/internal/config"
	"wiggledb/internal/core"
)

// fakeWiggletools writes a region per output and prints bedGraph lines for
// write_bg, one line for overlap counts and two otherwise.
const fakeWiggletools = `#!/bin/sh
case "$1" in
write)
  dest="$2"
  shift 2
  case "$dest" in
    *.bw) printf 'bigwig' > "$dest" ;;
    *) printf 'chr1\t1\t100\t%s\n' "$*" > "$dest" ;;
  esac
  ;;
write_bg)
  if [ "$3" = "overlaps" ]; then
    printf 'chr1\t1\t2\t1\n'
  else
    printf 'chr1\t1\t2\t1\nchr2\t5\t9\t1\n'
  fi
  ;;
*)
  echo "unknown command $1" >&2
  exit 2
  ;;
esac
`

type env struct {
	t       *testing.T
	dir     string
	workdir string
	common  []string
}

type statusOut struct {
	Status     string   `json:"status"`
	Location   string   `json:"location"`
	URL        string   `json:"url"`
	View       string   `json:"view"`
	Cached     bool     `json:"cached"`
	Command    []string `json:"command"`
	Expression string   `json:"expression"`
	Count      *int     `json:"count"`
	Evicted    int      `json:"evicted"`
	Message    string   `json:"message"`
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	workdir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workdir, 0o755))
	toolPath := filepath.Join(dir, "wiggletools")
	require.NoError(t, os.WriteFile(toolPath, []byte(fakeWiggletools), 0o755))
	return &env{
		t:       t,
		dir:     dir,
		workdir: workdir,
		common: []string{
			"--db-path", filepath.Join(dir, "wiggledb.sqlite3"),
			"--working-directory", workdir,
			"--tool", toolPath,
		},
	}
}

func (e *env) file(name, body string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (e *env) run(args ...string) (string, int) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	argv := append(append([]string{}, e.common...), args...)
	code := Execute(context.Background(), argv, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		e.t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), code
}

func (e *env) status(args ...string) statusOut {
	e.t.Helper()
	out, code := e.run(args...)
	require.Zero(e.t, code)
	var st statusOut
	require.NoError(e.t, json.Unmarshal([]byte(out), &st), out)
	return st
}

func (e *env) load() {
	e.t.Helper()
	datasets := e.file("datasets.tsv", "location\tcell\tmark\n"+
		"/data/K562_H3K4me3.bw\tK562\tH3K4me3\n"+
		"/data/HeLa_H3K4me3.bw\tHeLa\tH3K4me3\n")
	out, code := e.run("load", datasets)
	require.Zero(e.t, code)
	require.JSONEq(e.t, `{"loaded":2}`, out)

	tss := e.file("tss.bed", "chr1\t10\t20\nchr1\t30\t40\nchr2\t5\t6\n")
	annots := e.file("annotations.tsv", tss+"\ttss\tTranscription start sites\n")
	_, code = e.run("load-annotations", annots)
	require.Zero(e.t, code)
}

func TestComputeIsMemoized(t *testing.T) {
	e := newEnv(t)
	e.load()

	first := e.status("compute", "--a-attr", "cell=K562", "--a-operator", "mean")
	require.Equal(t, "DONE", first.Status, first.Message)
	require.True(t, strings.HasPrefix(first.Location, e.workdir))
	require.False(t, first.Cached)
	require.Equal(t, first.Location+".bw", first.View)

	second := e.status("compute", "--a-attr", "cell=K562", "--a-operator", "  mean ")
	require.True(t, second.Cached)
	require.Equal(t, first.Location, second.Location)

	prov := e.status("provenance", first.Location)
	require.Equal(t, "SUCCESS", prov.Status)
	require.Equal(t, "mean K562_H3K4me3", prov.Expression)

	plan := e.status("compute", "--a-attr", "mark=H3K4me3", "--a-operator", "max", "--dry-run")
	require.Equal(t, "DONE", plan.Status)
	require.Equal(t, []string{"write", filepath.Join(e.workdir, "<output>.bed"), "max", "/data/HeLa_H3K4me3.bw", "/data/K562_H3K4me3.bw", ":"}, plan.Command[1:])

	table, code := e.run("cache", "--table")
	require.Zero(t, code)
	require.Contains(t, table, first.Location)

	kept := e.status("clean", "--days", "30")
	require.Equal(t, "DONE", kept.Status)
	require.Zero(t, kept.Evicted)

	cleared := e.status("clear-cache")
	require.Equal(t, 1, cleared.Evicted)
	_, err := os.Stat(first.Location)
	require.True(t, os.IsNotExist(err))
}

func TestComputeStatuses(t *testing.T) {
	e := newEnv(t)
	e.load()

	require.Equal(t, "INVALID", e.status("compute", "--a-attr", "cell=GM12878", "--a-operator", "mean").Status)
	require.Equal(t, "INVALID", e.status("compute", "--a-attr", "tissue=liver", "--a-operator", "mean").Status)
	failed := e.status("compute", "--a-attr", "cell=K562", "--a-operator", "mean", "--merge", "diff",
		"--b-attr", "cell=HeLa", "--b-operator", "mean", "--tool", filepath.Join(e.dir, "missing-tool"))
	require.Equal(t, "FAILED", failed.Status)

	count := e.status("count", "--attr", "mark=H3K4me3")
	require.Equal(t, 2, *count.Count)
}

func TestOverlapReport(t *testing.T) {
	e := newEnv(t)
	e.load()

	st := e.status("compute", "--merge", "overlaps", "--a-attr", "cell=K562", "--a-operator", "mean", "--b-annotation", "tss")
	require.Equal(t, "DONE", st.Status, st.Message)
	require.True(t, strings.HasSuffix(st.Location, ".txt"))
	data, err := os.ReadFile(st.Location)
	require.NoError(t, err)
	require.Equal(t, "tss\t1\t3\nALL\t2\n", string(data))
	_, err = os.Stat(st.Location + ".png")
	require.NoError(t, err)
}

func TestComputeRequestFromFile(t *testing.T) {
	e := newEnv(t)
	e.load()

	req := e.file("request.json", `{"merge_operator":"diff","a":{"attributes":{"cell":["K562"]},"operator":"mean"},"b":{"attributes":{"cell":["HeLa"]},"operator":"mean"}}`)
	st := e.status("compute", "--request", req)
	require.Equal(t, "DONE", st.Status, st.Message)
	prov := e.status("provenance", st.Location)
	require.Equal(t, "diff mean K562_H3K4me3 : mean HeLa_H3K4me3", prov.Expression)
}

func TestUserDatasets(t *testing.T) {
	e := newEnv(t)
	e.load()

	computed := e.status("compute", "--a-attr", "cell=K562", "--a-operator", "mean")
	require.Equal(t, "UPLOADED", e.status("register", "peaks", computed.Location, "--userid", "alice").Status)
	require.Equal(t, "NAME_USED", e.status("register", "tss", computed.Location, "--userid", "alice").Status)

	out, code := e.run("user-datasets", "--userid", "alice")
	require.Zero(t, code)
	require.Contains(t, out, `"has_history": true`)

	share := e.status("share", "peaks", "--userid", "alice")
	require.Equal(t, computed.Location, share.URL)

	require.Equal(t, "REMOVED", e.status("remove", "peaks", "--userid", "alice").Status)
	require.Equal(t, "ERROR", e.status("remove", "peaks", "--userid", "alice").Status)
}

func TestListings(t *testing.T) {
	e := newEnv(t)
	e.load()

	out, code := e.run("attributes")
	require.Zero(t, code)
	var attrs map[string][]string
	require.NoError(t, json.Unmarshal([]byte(out), &attrs))
	require.ElementsMatch(t, []string{"HeLa", "K562"}, attrs["cell"])

	out, code = e.run("annotations", "--table")
	require.Zero(t, code)
	require.Contains(t, out, "Transcription start sites")

	out, code = e.run("datasets", "--table")
	require.Zero(t, code)
	require.Contains(t, out, "K562_H3K4me3")

	desc := e.status("describe", "tss")
	require.Equal(t, "SUCCESS", desc.Status)
}

func TestSetupErrors(t *testing.T) {
	e := newEnv(t)
	_, code := e.run("datasets", "--db-driver", "oracle")
	require.Equal(t, 1, code)

	_, code = e.run("load", filepath.Join(e.dir, "missing.tsv"))
	require.Equal(t, 1, code)

	_, code = e.run("compute", "--a-filter", "unit")
	require.Equal(t, 1, code)

	_, code = e.run("register", "peaks", "/x.bed")
	require.Equal(t, 1, code, "userid is required")
}

func TestMetricsExpvar(t *testing.T) {
	e := newEnv(t)
	e.load()

	_, code := e.run("datasets", "--metrics-expvar")
	require.Zero(t, code)
	require.GreaterOrEqual(t, core.NewExpvarRecorder(config.ExpvarName).Snapshot()["datasets"].Success, int64(1))

	cfg := config.New()
	cfg.MetricsExpvar = true
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	rec := httptest.NewRecorder()
	a.metricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), config.ExpvarName)

	cfg.MetricsExpvar = false
	rec = httptest.NewRecorder()
	a.metricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
