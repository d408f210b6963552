package cli

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"wiggledb/internal/loader"
	"wiggledb/pkg/domain"
)

func newLoadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load <datasets.tsv>",
		Short: "Register the datasets of a tab-separated table",
		Long: `Register raw datasets. The first line names the columns and must start with
"location"; an optional "id" column names each dataset, every other column is
a selectable attribute. All rows are loaded or none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open dataset table")
			}
			defer f.Close()
			n, err := loader.New(a.store, a.tools, loader.WithLogger(a.logger)).LoadDatasets(cmd.Context(), f)
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, map[string]int{"loaded": n})
		},
	}
}

func newLoadAnnotationsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load-annotations <annotations.tsv>",
		Short: "Register annotations listed as location, name and description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open annotation table")
			}
			defer f.Close()
			l := loader.New(a.store, a.tools, loader.WithAssembly(a.cfg.Assembly), loader.WithLogger(a.logger))
			loaded, err := l.LoadAnnotations(cmd.Context(), f)
			if err != nil {
				return err
			}
			return writeJSON(a.stdout, loaded)
		},
	}
}

func newProvenanceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "provenance <location>",
		Short: "Print the lineage of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(a.stdout, a.svc.Provenance(cmd.Context(), domain.Location(args[0])))
		},
	}
}

func newDescribeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <annotation>",
		Short: "Print an annotation's description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(a.stdout, a.svc.Describe(cmd.Context(), args[0]))
		},
	}
}

func newRegisterCommand(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "register <name> <location>",
		Short: "Register a validated file as a user dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(a.stdout, a.svc.RegisterUserDataset(cmd.Context(), args[0], domain.Location(args[1]), userID))
		},
	}
	cmd.Flags().StringVar(&userID, "userid", "", "owner of the dataset")
	_ = cmd.MarkFlagRequired("userid")
	return cmd
}

func newRemoveCommand(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a user dataset registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(a.stdout, a.svc.RemoveUserDataset(cmd.Context(), args[0], userID))
		},
	}
	cmd.Flags().StringVar(&userID, "userid", "", "owner of the dataset")
	_ = cmd.MarkFlagRequired("userid")
	return cmd
}

func newShareCommand(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "share <name>",
		Short: "Print the public URL of a user dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(a.stdout, a.svc.ShareUserDataset(cmd.Context(), args[0], userID))
		},
	}
	cmd.Flags().StringVar(&userID, "userid", "", "owner of the dataset")
	_ = cmd.MarkFlagRequired("userid")
	return cmd
}
