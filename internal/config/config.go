// Package config binds wiggledb settings from flags, environment and a
// TOML file, and builds the components they describe.
package config

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wiggledb/internal/blob"
	"wiggledb/internal/core"
	"wiggledb/internal/tool"
	"wiggledb/pkg/domain"
)

// EnvPrefix prefixes the environment variable of every flag.
const EnvPrefix = "WIGGLEDB"

// ExpvarName is the expvar key of the operation statistics.
const ExpvarName = "wiggledb_operations"

// Config holds every setting shared by the commands.
type Config struct {
	ConfigFile string

	DBDriver string
	DBPath   string
	DBDSN    string

	WorkingDirectory  string
	Tool              string
	BigBedToBed       string
	ReportParallelism int
	LeafCacheSize     int
	Assembly          string

	BlobDriver  string
	BlobFSRoot  string
	BaseDataURL string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	BrowserServer  string
	BrowserSpecies string
	BrowserGene    string

	Verbose       bool
	MetricsAddr   string
	MetricsExpvar bool
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		DBDriver:          string(core.StorageSQLite),
		DBPath:            "wiggledb.sqlite3",
		WorkingDirectory:  ".",
		Tool:              "wiggletools",
		BigBedToBed:       "bigBedToBed",
		ReportParallelism: 4,
		LeafCacheSize:     4096,
		Assembly:          "default",
		BlobDriver:        "none",
		S3Region:          "us-east-1",
		BrowserSpecies:    "Homo_sapiens",
	}
}

// RegisterFlags defines one flag per setting on fs, defaulting to the
// current values of c.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "TOML configuration file")
	fs.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "storage driver: sqlite|postgres|memory")
	fs.StringVar(&c.DBPath, "db-path", c.DBPath, "sqlite database file")
	fs.StringVar(&c.DBDSN, "db-dsn", c.DBDSN, "postgres connection string")
	fs.StringVar(&c.WorkingDirectory, "working-directory", c.WorkingDirectory, "directory computed artifacts are written to")
	fs.StringVar(&c.Tool, "tool", c.Tool, "merge tool executable")
	fs.StringVar(&c.BigBedToBed, "bigbedtobed", c.BigBedToBed, "bigBed conversion executable")
	fs.IntVar(&c.ReportParallelism, "report-parallelism", c.ReportParallelism, "concurrent overlap counts per report")
	fs.IntVar(&c.LeafCacheSize, "leaf-cache-size", c.LeafCacheSize, "datasets memoized by the provenance resolver")
	fs.StringVar(&c.Assembly, "assembly", c.Assembly, "genome assembly of loaded annotations")
	fs.StringVar(&c.BlobDriver, "blob-driver", c.BlobDriver, "long-term storage: none|fs|s3|memory")
	fs.StringVar(&c.BlobFSRoot, "blob-fs-root", c.BlobFSRoot, "publish directory of the fs blob driver")
	fs.StringVar(&c.BaseDataURL, "base-data-url", c.BaseDataURL, "public URL prefix of the fs blob driver")
	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "S3 bucket")
	fs.StringVar(&c.S3Region, "s3-region", c.S3Region, "S3 region")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", c.S3Endpoint, "custom S3 endpoint")
	fs.BoolVar(&c.S3PathStyle, "s3-path-style", c.S3PathStyle, "use path-style S3 addressing")
	fs.StringVar(&c.BrowserServer, "browser-server", c.BrowserServer, "genome browser host for view links")
	fs.StringVar(&c.BrowserSpecies, "browser-species", c.BrowserSpecies, "genome browser species")
	fs.StringVar(&c.BrowserGene, "browser-gene", c.BrowserGene, "gene the browser view centres on")
	fs.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "log at debug level")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.BoolVar(&c.MetricsExpvar, "metrics-expvar", c.MetricsExpvar, "publish operation statistics through expvar at /debug/vars")
}

// Load applies, in increasing priority, the flag defaults, the config file
// named by the "config" flag, WIGGLEDB_* environment variables and flags
// set on the command line. Unknown keys in the config file are rejected.
func Load(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read configuration file %s", path)
		}
		valid := make(map[string]bool)
		fs.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })
		for _, key := range v.AllKeys() {
			if !valid[key] {
				return errors.Errorf("invalid option in configuration file: %s", key)
			}
		}
	}

	var flagErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		// GetString is empty for list values read from the file.
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if vals := v.GetStringSlice(f.Name); len(vals) > 0 {
				flagErr = errors.Wrapf(sv.Replace(vals), "set %s", f.Name)
			}
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			flagErr = errors.Wrapf(err, "set %s", f.Name)
		}
	})
	return flagErr
}

// Logger builds the process logger. Logs go to stderr so stdout carries
// only command output.
func (c *Config) Logger() (*zap.Logger, error) {
	var cfg zap.Config
	if c.Verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	return logger, errors.Wrap(err, "build logger")
}

// StorageOptions describes the persistent store.
func (c *Config) StorageOptions() core.StorageOptions {
	return core.StorageOptions{Driver: c.DBDriver, SQLitePath: c.DBPath, PostgresDSN: c.DBDSN}
}

// OpenStore opens the persistent store.
func (c *Config) OpenStore(ctx context.Context) (domain.PersistentStore, error) {
	return core.OpenPersistentStore(ctx, c.StorageOptions())
}

// BlobStore opens the long-term store, or returns nil when publishing is
// disabled.
func (c *Config) BlobStore(ctx context.Context) (blob.Store, error) {
	if c.BlobDriver == "" || c.BlobDriver == "none" {
		return nil, nil
	}
	return blob.Open(ctx, blob.Options{
		Driver:  c.BlobDriver,
		FSRoot:  c.BlobFSRoot,
		BaseURL: c.BaseDataURL,
		S3: blob.S3Config{
			Region:    c.S3Region,
			Bucket:    c.S3Bucket,
			Endpoint:  c.S3Endpoint,
			PathStyle: c.S3PathStyle,
		},
	})
}

// Toolkit runs the configured executables.
func (c *Config) Toolkit(logger *zap.Logger) *tool.Toolkit {
	return tool.New(tool.Exec{Logger: logger},
		tool.WithBinary(c.Tool),
		tool.WithBigBedToBed(c.BigBedToBed),
		tool.WithLogger(logger))
}

// ServiceOptions configures a core.Service from c.
func (c *Config) ServiceOptions(logger *zap.Logger, blobs blob.Store) []core.ServiceOption {
	opts := []core.ServiceOption{
		core.WithLogger(logger),
		core.WithWorkingDirectory(c.WorkingDirectory),
		core.WithReportParallelism(c.ReportParallelism),
		core.WithLeafCacheSize(c.LeafCacheSize),
		core.WithLinks(core.Links{Server: c.BrowserServer, Species: c.BrowserSpecies, Gene: c.BrowserGene}),
	}
	if c.MetricsExpvar {
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarRecorder(ExpvarName)))
	}
	if blobs != nil {
		opts = append(opts, core.WithBlobStore(blobs))
	}
	return opts
}
