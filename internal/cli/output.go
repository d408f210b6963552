package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"wiggledb/pkg/domain"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "write output")
}

// table writes tab-aligned rows after a header.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return errors.Wrap(tw.Flush(), "write table")
}

func datasetRows(entries []domain.DatasetEntry) ([]string, [][]string) {
	names := map[string]struct{}{}
	for _, e := range entries {
		for k := range e.Attributes {
			names[k] = struct{}{}
		}
	}
	attrs := make([]string, 0, len(names))
	for k := range names {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	header := append([]string{"ID", "LOCATION"}, upper(attrs)...)
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := []string{e.ID, string(e.Location)}
		for _, k := range attrs {
			row = append(row, e.Attributes[k])
		}
		rows = append(rows, row)
	}
	return header, rows
}

func annotationRows(entries []domain.AnnotationEntry) ([]string, [][]string) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Name, humanize.Comma(e.RegionCount), string(e.Location), e.Description})
	}
	return []string{"NAME", "REGIONS", "LOCATION", "DESCRIPTION"}, rows
}

func userDatasetRows(entries []domain.UserDatasetEntry) ([]string, [][]string) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.UserID, e.Name, humanize.Comma(e.RegionCount), fmt.Sprint(e.HasHistory), string(e.Location)})
	}
	return []string{"USER", "NAME", "REGIONS", "HISTORY", "LOCATION"}, rows
}

func cacheRows(entries []domain.CacheEntry) ([]string, [][]string) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{humanize.Time(e.LastAccess), string(e.Location), e.Key.Canonical()})
	}
	return []string{"LAST ACCESS", "LOCATION", "REQUEST"}, rows
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
