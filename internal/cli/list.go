package cli

import (
	"context"

	"github.com/spf13/cobra"

	"wiggledb/pkg/domain"
)

// listCommand prints the result of list as JSON, or as a table with --table.
func listCommand[T any](a *app, use, short string, list func(context.Context) (T, error), rows func(T) ([]string, [][]string)) *cobra.Command {
	var asTable bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := list(cmd.Context())
			if err != nil {
				return err
			}
			if asTable && rows != nil {
				header, body := rows(v)
				return table(a.stdout, header, body)
			}
			return writeJSON(a.stdout, v)
		},
	}
	if rows != nil {
		cmd.Flags().BoolVar(&asTable, "table", false, "print a table instead of JSON")
	}
	return cmd
}

func newDatasetsCommand(a *app) *cobra.Command {
	return listCommand(a, "datasets", "List the registered datasets",
		func(ctx context.Context) ([]domain.DatasetEntry, error) { return a.svc.Datasets(ctx) },
		datasetRows)
}

func newAnnotationsCommand(a *app) *cobra.Command {
	return listCommand(a, "annotations", "List the registered annotations",
		func(ctx context.Context) ([]domain.AnnotationEntry, error) { return a.svc.Annotations(ctx) },
		annotationRows)
}

func newAttributesCommand(a *app) *cobra.Command {
	return listCommand[map[string][]string](a, "attributes", "List dataset attributes and their values",
		func(ctx context.Context) (map[string][]string, error) { return a.svc.Attributes(ctx) },
		nil)
}

func newUserDatasetsCommand(a *app) *cobra.Command {
	var userID string
	cmd := listCommand(a, "user-datasets", "List user datasets, of --userid or of everyone",
		func(ctx context.Context) ([]domain.UserDatasetEntry, error) { return a.svc.UserDatasets(ctx, userID) },
		userDatasetRows)
	cmd.Flags().StringVar(&userID, "userid", "", "only list datasets of this user")
	return cmd
}

func newCacheCommand(a *app) *cobra.Command {
	return listCommand(a, "cache", "List cache entries, most recently used first",
		func(ctx context.Context) ([]domain.CacheEntry, error) { return a.svc.CacheEntries(ctx) },
		cacheRows)
}
