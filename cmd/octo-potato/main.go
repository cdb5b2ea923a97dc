package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/maneesh/octo-potato/internal/cache"
	"github.com/maneesh/octo-potato/internal/catalog"
	"github.com/maneesh/octo-potato/internal/config"
	"github.com/maneesh/octo-potato/internal/gateway"
	"github.com/maneesh/octo-potato/internal/pipeline"
	"github.com/maneesh/octo-potato/internal/remote"
	"github.com/maneesh/octo-potato/internal/staging"
	"github.com/maneesh/octo-potato/internal/tracing"
	"github.com/maneesh/octo-potato/internal/uploader"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: octo-potato <command> [arguments]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  init")
	fmt.Fprintln(os.Stderr, "  ingest <path> [--chunk-size N]")
	fmt.Fprintln(os.Stderr, "  list")
	fmt.Fprintln(os.Stderr, "  export <file_id> <out>   (out \"-\" writes to stdout)")
	fmt.Fprintln(os.Stderr, "  verify <file_id>")
	fmt.Fprintln(os.Stderr, "  stream <file_id>")
	fmt.Fprintln(os.Stderr, "  serve [--addr host:port]")
}

func main() {
	logrus.SetOutput(os.Stderr)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logrus.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logrus.Warnf("error shutting down tracer: %v", err)
		}
	}()

	if err := run(cfg, os.Args[1], os.Args[2:]); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "init":
		return runInit(cfg)
	case "ingest":
		return runIngest(cfg, args)
	case "list":
		return runList(cfg)
	case "export":
		return runExport(cfg, args)
	case "verify":
		return runVerify(cfg, args)
	case "stream":
		return runStream(cfg, args)
	case "serve":
		return runServe(cfg, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Bool("verbose", false, "enable debug logging")
	return fs
}

// applyVerbose is called after Parse to wire --verbose into logrus.
func applyVerbose(fs *flag.FlagSet) {
	if v, err := fs.GetBool("verbose"); err == nil && v {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func openCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	return catalog.Open(cfg.CatalogDriver, cfg.CatalogDSN)
}

func newStore(cfg *config.Config) (remote.Store, error) {
	switch cfg.RemoteBackend {
	case "webhook":
		return remote.NewWebhookStore(cfg.WebhookURL, cfg.ProxyBase), nil
	case "s3":
		return remote.NewS3Store(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
	default:
		return nil, fmt.Errorf("unsupported remote backend: %q", cfg.RemoteBackend)
	}
}

func newPipeline(cfg *config.Config, cat *catalog.Catalog) (*pipeline.Pipeline, error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	execCfg := uploader.DefaultConfig()
	execCfg.RateLimitBudget = cfg.RateLimitBudget
	exec := uploader.New(store, execCfg)
	p := pipeline.New(cat, store, staging.New(cfg.StagingDir), exec)

	if cfg.RedisAddr != "" {
		cc, err := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		p = p.WithCache(cc)
	}
	return p, nil
}

func parseFileID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid file id %q", arg)
	}
	return id, nil
}

func runInit(cfg *config.Config) error {
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.Init(context.Background()); err != nil {
		return err
	}
	fmt.Printf("Database initialized at %s\n", cfg.CatalogDSN)
	return nil
}

func runIngest(cfg *config.Config, args []string) error {
	fs := newFlagSet("ingest")
	chunkSize := fs.Int64("chunk-size", cfg.ChunkSize, "chunk size in bytes")
	fs.Parse(args)
	applyVerbose(fs)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: ingest <path> [--chunk-size N]")
	}
	path := fs.Arg(0)

	if err := cfg.RequireWebhook(); err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	// Schema creation is idempotent; ingest runs it so a fresh
	// database works without an explicit init.
	if err := cat.Init(context.Background()); err != nil {
		return err
	}

	p, err := newPipeline(cfg, cat)
	if err != nil {
		return err
	}

	// SIGINT stops new batches; in-flight uploads drain.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fileID, err := p.Ingest(ctx, path, *chunkSize)
	if err != nil {
		return err
	}
	fmt.Printf("Ingested '%s' with file_id=%d\n", path, fileID)
	return nil
}

func runList(cfg *config.Config) error {
	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	files, err := cat.ListFiles(context.Background())
	if err != nil {
		return err
	}

	for _, f := range files {
		fmt.Printf("id=%-3d size=%-10d (%s) chunk_size=%-8d created_at=%s file=%s\n",
			f.ID,
			f.Size,
			units.HumanSize(float64(f.Size)),
			f.ChunkSize,
			f.CreatedAt.Format(time.RFC3339),
			f.Filename,
		)
	}
	return nil
}

func runExport(cfg *config.Config, args []string) error {
	fs := newFlagSet("export")
	fs.Parse(args)
	applyVerbose(fs)

	if fs.NArg() < 2 {
		return fmt.Errorf("usage: export <file_id> <out>")
	}
	fileID, err := parseFileID(fs.Arg(0))
	if err != nil {
		return err
	}

	if err := cfg.RequireProxy(); err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	p, err := newPipeline(cfg, cat)
	if err != nil {
		return err
	}
	return p.ExportTo(context.Background(), fileID, fs.Arg(1))
}

func runStream(cfg *config.Config, args []string) error {
	fs := newFlagSet("stream")
	fs.Parse(args)
	applyVerbose(fs)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: stream <file_id>")
	}
	fileID, err := parseFileID(fs.Arg(0))
	if err != nil {
		return err
	}

	if err := cfg.RequireProxy(); err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	p, err := newPipeline(cfg, cat)
	if err != nil {
		return err
	}
	return p.ExportTo(context.Background(), fileID, "-")
}

func runVerify(cfg *config.Config, args []string) error {
	fs := newFlagSet("verify")
	fs.Parse(args)
	applyVerbose(fs)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: verify <file_id>")
	}
	fileID, err := parseFileID(fs.Arg(0))
	if err != nil {
		return err
	}

	if err := cfg.RequireProxy(); err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	p, err := newPipeline(cfg, cat)
	if err != nil {
		return err
	}

	report, err := p.Verify(context.Background(), fileID)
	if err != nil {
		return err
	}

	for _, idx := range report.Mismatched {
		fmt.Printf("Chunk %d: MISMATCH\n", idx)
	}
	for _, idx := range report.MissingDigest {
		fmt.Printf("Chunk %d: no stored digest\n", idx)
	}
	if !report.Ok() {
		return fmt.Errorf("%d of %d chunks mismatched for file_id=%d",
			len(report.Mismatched), report.Total, fileID)
	}
	fmt.Printf("All chunks verified for file_id=%d\n", fileID)
	return nil
}

func runServe(cfg *config.Config, args []string) error {
	fs := newFlagSet("serve")
	addr := fs.String("addr", cfg.ServeAddr, "listen address")
	fs.Parse(args)
	applyVerbose(fs)

	if err := cfg.RequireProxy(); err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	p, err := newPipeline(cfg, cat)
	if err != nil {
		return err
	}
	return gateway.NewServer(cat, p).Serve(*addr)
}
