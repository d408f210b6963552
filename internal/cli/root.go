// Package cli implements the wiggledb command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"wiggledb/internal/config"
	"wiggledb/internal/core"
	"wiggledb/internal/tool"
	"wiggledb/pkg/domain"
)

// app carries what every command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logger   *zap.Logger
	store    domain.PersistentStore
	tools    *tool.Toolkit
	registry *prometheus.Registry
	svc      *core.Service
}

// Execute runs the command line in args and returns the process exit
// code. Structured statuses, failures included, exit 0; configuration and
// storage errors exit 1.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{cfg: config.New(), stdin: stdin, stdout: stdout, stderr: stderr}
	rc := a.rootCommand()
	rc.SetArgs(args)
	err := rc.ExecuteContext(ctx)
	if cerr := a.teardown(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(stderr, "wiggledb: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCommand() *cobra.Command {
	rc := &cobra.Command{
		Use:   "wiggledb",
		Short: "Memoized genomic signal merges with provenance.",
		Long: `wiggledb runs merge requests over registered genomic tracks, caching
every produced artifact under its normalized request so repeated requests
are served without recomputation. Cached artifacts can be traced back to the
datasets they were derived from and are evicted once unused.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	a.cfg.RegisterFlags(rc.PersistentFlags())

	rc.AddCommand(
		newLoadCommand(a),
		newLoadAnnotationsCommand(a),
		newComputeCommand(a),
		newCountCommand(a),
		newProvenanceCommand(a),
		newDescribeCommand(a),
		newCleanCommand(a),
		newCacheCommand(a),
		newClearCacheCommand(a),
		newDatasetsCommand(a),
		newAnnotationsCommand(a),
		newAttributesCommand(a),
		newUserDatasetsCommand(a),
		newRegisterCommand(a),
		newRemoveCommand(a),
		newShareCommand(a),
	)
	rc.SetIn(a.stdin)
	rc.SetOut(a.stdout)
	rc.SetErr(a.stderr)
	return rc
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := config.Load(viper.New(), cmd.Flags()); err != nil {
		return err
	}
	logger, err := a.cfg.Logger()
	if err != nil {
		return err
	}
	a.logger = logger

	ctx := cmd.Context()
	a.store, err = a.cfg.OpenStore(ctx)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	blobs, err := a.cfg.BlobStore(ctx)
	if err != nil {
		return errors.Wrap(err, "open blob store")
	}
	a.tools = a.cfg.Toolkit(logger.Named("tool"))

	a.registry = prometheus.NewRegistry()
	metrics, err := core.NewMetrics(a.registry)
	if err != nil {
		return err
	}
	opts := append(a.cfg.ServiceOptions(logger, blobs), core.WithMetrics(metrics))
	a.svc, err = core.NewService(a.store, a.tools, opts...)
	return err
}

func (a *app) teardown() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return errors.Wrap(err, "close store")
}
