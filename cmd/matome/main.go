// Package main is the matome CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/matome/internal/cli"
	"github.com/hyperjump/matome/internal/cluster"
	"github.com/hyperjump/matome/internal/collection"
	"github.com/hyperjump/matome/internal/config"
	"github.com/hyperjump/matome/internal/embedding"
	matomeerrors "github.com/hyperjump/matome/internal/errors"
	"github.com/hyperjump/matome/internal/judge"
	"github.com/hyperjump/matome/internal/lexical"
	"github.com/hyperjump/matome/internal/llm"
	"github.com/hyperjump/matome/internal/merge"
	"github.com/hyperjump/matome/internal/models"
	"github.com/hyperjump/matome/internal/report"
	"github.com/hyperjump/matome/internal/server"
	"github.com/hyperjump/matome/internal/storage"
	"github.com/hyperjump/matome/internal/vector"
	"github.com/hyperjump/matome/internal/watcher"
	"github.com/hyperjump/matome/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/matome/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory wins if present, and a missing default file yields the built-in
// defaults. Returns the config and the path it came from ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "merge":
		runMerge()
	case "cluster":
		runCluster()
	case "meta":
		runMeta()
	case "search":
		runSearch()
	case "show":
		runShow()
	case "status":
		runStatus()
	case "report":
		runReport()
	case "serve", "server":
		runServe()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("matome version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// commonFlags registers the flags every command shares.
type commonFlags struct {
	config *string
	debug  *bool
	output *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config: fs.String("config", defaultConfigPath, "config file path"),
		debug:  fs.Bool("debug", false, "enable debug logging"),
		output: fs.String("output", "text", "output format: text or json"),
	}
}

// setup loads the config and builds the logger for a command.
func setup(f commonFlags) (*config.Config, string, *zap.Logger) {
	cfg, resolved, err := loadConfig(*f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *f.debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return cfg, resolved, logger
}

func outputFormat(s string) cli.OutputFormat {
	switch s {
	case "text", "json":
		return cli.ParseFormat(s)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", s)
		os.Exit(1)
	}
	return cli.OutputText
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runMerge() {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	common := registerCommon(fs)
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: matome merge [flags] <batch.json>...")
		os.Exit(1)
	}
	format := outputFormat(*common.output)
	cfg, _, logger := setup(common)
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	failed := false
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
			failed = true
			continue
		}
		candidates, err := models.ParseBatch(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to parse %s: %v\n", path, err)
			failed = true
			continue
		}
		rep, err := components.Merge.ProcessBatch(ctx, candidates)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Merge of %s failed: %v\n", path, err)
			os.Exit(1)
		}
		if err := cli.WriteBatchReport(os.Stdout, path, rep, format); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// clusterFlags are shared by cluster and meta.
type clusterFlags struct {
	iterations  *int
	seeds       *string
	noShuffle   *bool
	seed        *int64
	interesting *bool
}

func registerCluster(fs *flag.FlagSet) clusterFlags {
	return clusterFlags{
		iterations:  fs.Int("iterations", 0, "maximum clustering rounds (0 = config value)"),
		seeds:       fs.String("seeds", "", "comma-separated seed themes to steer clustering"),
		noShuffle:   fs.Bool("no-shuffle", false, "keep the pool order between rounds"),
		seed:        fs.Int64("shuffle-seed", 0, "shuffle seed (0 = config value)"),
		interesting: fs.Bool("label-interesting", false, "rate final insights for interestingness"),
	}
}

func (f clusterFlags) apply(cfg *config.Config) {
	if *f.iterations > 0 {
		cfg.Cluster.NumIterations = *f.iterations
	}
	if *f.noShuffle {
		cfg.Cluster.NoShuffle = true
	}
	if *f.seed != 0 {
		cfg.Cluster.ShuffleSeed = *f.seed
	}
	if *f.interesting {
		cfg.Cluster.LabelInteresting = true
	}
}

func (f clusterFlags) seedList() []string {
	var out []string
	for _, s := range strings.Split(*f.seeds, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func newClusterEngine(cfg *config.Config, coll *collection.Collection, j cluster.Judge, archive storage.Archive,
	kind, snapshot string, seeds []string, logger *zap.Logger) *cluster.Engine {
	ccfg := cluster.ConfigFrom(cfg)
	ccfg.Seeds = seeds
	var shuffler cluster.Shuffler = cluster.NewSeededShuffler(cfg.Cluster.ShuffleSeed)
	if cfg.Cluster.NoShuffle {
		shuffler = cluster.KeepOrder{}
	}
	opts := []cluster.Option{
		cluster.WithLogger(logger),
		cluster.WithShuffler(shuffler),
		cluster.WithSnapshotPath(snapshot),
	}
	if archive != nil {
		opts = append(opts, cluster.WithArchive(archive, kind))
	}
	return cluster.New(coll, j, ccfg, opts...)
}

func runCluster() {
	fs := flag.NewFlagSet("cluster", flag.ExitOnError)
	common := registerCommon(fs)
	cflags := registerCluster(fs)
	_ = fs.Parse(os.Args[2:])
	format := outputFormat(*common.output)
	cfg, _, logger := setup(common)
	defer logger.Sync()
	cflags.apply(cfg)

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	// Raw observations still in retrieval, plus this namespace's earlier insights.
	items := components.Collection.Items()
	pool := merge.Eligible(items)
	for _, it := range items {
		if it.Level > 0 {
			pool = append(pool, it)
		}
	}
	if len(pool) == 0 {
		fmt.Println("Nothing to cluster: the collection is empty")
		return
	}
	engine := newClusterEngine(cfg, components.Collection, components.Judge, components.Archive,
		storage.KindCluster, cfg.Storage.CollectionPath, cflags.seedList(), logger)
	rep, err := engine.Run(ctx, pool)
	if rep != nil {
		if werr := cli.WriteRunReport(os.Stdout, rep, format); werr != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cluster run failed: %v\n", err)
		os.Exit(1)
	}
}

// sessionNamespace derives the import namespace for a session collection file:
// its base name without extension, or its position when the name is unusable.
func sessionNamespace(path string, index int) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || strings.ContainsAny(name, " \t") {
		return fmt.Sprintf("%d", index+1)
	}
	return name
}

func runMeta() {
	fs := flag.NewFlagSet("meta", flag.ExitOnError)
	common := registerCommon(fs)
	cflags := registerCluster(fs)
	out := fs.String("collection", "", "meta collection path (default: meta.json next to the collection)")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: matome meta [flags] <session-collection.json>...")
		os.Exit(1)
	}
	format := outputFormat(*common.output)
	cfg, _, logger := setup(common)
	defer logger.Sync()
	cflags.apply(cfg)
	cfg.Cluster.Namespace = "meta"

	metaPath := *out
	if metaPath == "" {
		metaPath = filepath.Join(filepath.Dir(cfg.Storage.CollectionPath), "meta.json")
	}
	meta, err := collection.Load(metaPath)
	if err != nil {
		logger.Fatal("Failed to load meta collection", zap.String("path", metaPath), zap.Error(err))
	}
	for i, path := range fs.Args() {
		session, err := collection.Load(path)
		if err != nil {
			logger.Fatal("Failed to load session collection", zap.String("path", path), zap.Error(err))
		}
		ns := sessionNamespace(path, i)
		n, err := meta.Import(ns, session)
		if matomeerrors.Is(err, matomeerrors.ErrDuplicateID) {
			logger.Info("session already imported", zap.String("path", path), zap.String("namespace", ns))
			continue
		}
		if err != nil {
			logger.Fatal("Failed to import session", zap.String("path", path), zap.Error(err))
		}
		logger.Info("session imported", zap.String("path", path), zap.String("namespace", ns), zap.Int("items", n))
	}
	if err := meta.Save(metaPath); err != nil {
		logger.Fatal("Failed to save meta collection", zap.Error(err))
	}

	ctx, cancel := signalContext()
	defer cancel()
	j, err := newJudge(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize llm pool", zap.Error(err))
	}
	archive, err := storage.NewSQLiteArchive(cfg.Storage.ArchivePath)
	if err != nil {
		logger.Fatal("Failed to open run archive", zap.Error(err))
	}
	defer archive.Close()

	// Meta runs cluster the session insights, not the raw observations under them.
	pool := meta.Filter(func(it *models.Item) bool { return it.Level > 0 })
	if len(pool) == 0 {
		fmt.Println("Nothing to cluster: the sessions hold no insights")
		return
	}
	engine := newClusterEngine(cfg, meta, j, archive, storage.KindMeta, metaPath, cflags.seedList(), logger)
	rep, err := engine.Run(ctx, pool)
	if rep != nil {
		if werr := cli.WriteRunReport(os.Stdout, rep, format); werr != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Meta run failed: %v\n", err)
		os.Exit(1)
	}
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: matome search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Search runs against the raw observations still taking part in retrieval.
Insights are listed with "matome report".

Examples:
  matome search checks email
  matome search "checks email" -top-k 5
  matome search -server "" inbox zero     # read the collection directly
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

type searchResponse struct {
	Query string `json:"query"`
	Hits  []struct {
		ID    string       `json:"id"`
		Score float64      `json:"score"`
		Item  *models.Item `json:"item"`
	} `json:"hits"`
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	common := registerCommon(fs)
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = read the collection directly)")
	topK := fs.Int("top-k", 10, "number of results")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	query := buildSearchQuery(fs.Args())
	if query == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := outputFormat(*common.output)

	if *serverURL != "" {
		hits, coll, err := searchViaHTTP(*serverURL, query, *topK)
		if err == nil {
			if err := cli.WriteSearchResults(os.Stdout, query, hits, coll, format); err != nil {
				fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "Server search failed (%v); reading the collection directly\n", err)
	}

	cfg, _, logger := setup(common)
	defer logger.Sync()
	components, err := initializeComponents(context.Background(), cfg, logger, false)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	hits, err := components.Merge.Search(query, *topK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, query, hits, components.Collection, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// searchViaHTTP queries a running server and returns the hits with a collection
// holding just the items they resolve to.
func searchViaHTTP(serverURL, query string, topK int) ([]lexical.Hit, *collection.Collection, error) {
	body, err := json.Marshal(map[string]interface{}{"query": query, "top_k": topK})
	if err != nil {
		return nil, nil, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(serverURL+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	coll := collection.New()
	hits := make([]lexical.Hit, 0, len(out.Hits))
	for _, h := range out.Hits {
		hits = append(hits, lexical.Hit{ID: h.ID, Score: h.Score})
		if h.Item != nil {
			_ = coll.Add(h.Item)
		}
	}
	return hits, coll, nil
}

func runShow() {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	common := registerCommon(fs)
	members := fs.Bool("members", false, "also print the merged members")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fmt.Println("Usage: matome show [flags] <id>")
		os.Exit(1)
	}
	format := outputFormat(*common.output)
	cfg, _, logger := setup(common)
	defer logger.Sync()

	coll, err := collection.Load(cfg.Storage.CollectionPath)
	if err != nil {
		logger.Fatal("Failed to load collection", zap.Error(err))
	}
	id := fs.Arg(0)
	it, ok := coll.Get(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "%v\n", matomeerrors.NewNotFound("collection", id))
		os.Exit(1)
	}
	if err := cli.WriteItem(os.Stdout, it, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if !*members {
		return
	}
	for _, m := range it.Merged {
		if child, ok := coll.Get(m); ok {
			_ = cli.WriteItem(os.Stdout, child, format)
		}
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := registerCommon(fs)
	runs := fs.Int("runs", 5, "number of recent runs to list")
	_ = fs.Parse(os.Args[2:])
	format := outputFormat(*common.output)
	cfg, _, logger := setup(common)
	defer logger.Sync()

	coll, err := collection.Load(cfg.Storage.CollectionPath)
	if err != nil {
		logger.Fatal("Failed to load collection", zap.Error(err))
	}
	paths, total, err := storage.Usage(storage.ConfiguredPaths(cfg.Storage)...)
	if err != nil {
		logger.Warn("disk usage failed", zap.Error(err))
	}
	st := &cli.Status{Collection: coll.Stats(), Paths: paths, DiskBytes: total}
	if _, statErr := os.Stat(cfg.Storage.ArchivePath); statErr == nil {
		archive, err := storage.NewSQLiteArchive(cfg.Storage.ArchivePath)
		if err != nil {
			logger.Warn("open run archive failed", zap.Error(err))
		} else {
			defer archive.Close()
			if st.Runs, err = archive.ListRuns(context.Background(), 0, *runs); err != nil {
				logger.Warn("list runs failed", zap.Error(err))
			}
		}
	}
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runReport() {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	format := fs.String("format", "md", "report format: md, html, or xlsx")
	input := fs.String("collection", "", "collection to report on (default: configured collection)")
	outPath := fs.String("out", "", "output file (default: stdout)")
	title := fs.String("title", "", "report title")
	minLevel := fs.Int("min-level", 1, "lowest insight level to include")
	interesting := fs.Bool("interesting", false, "only insights rated interesting")
	_ = fs.Parse(os.Args[2:])
	cfg, _, logger := setup(commonFlags{config: configPath, debug: debug})
	defer logger.Sync()

	path := *input
	if path == "" {
		path = cfg.Storage.CollectionPath
	}
	coll, err := collection.Load(path)
	if err != nil {
		logger.Fatal("Failed to load collection", zap.Error(err))
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			logger.Fatal("Failed to create report file", zap.Error(err))
		}
		defer f.Close()
		w = f
	}
	opts := report.Options{Title: *title, MinLevel: *minLevel, InterestingOnly: *interesting}
	switch *format {
	case "md", "markdown":
		err = report.WriteMarkdown(w, coll, opts)
	case "html":
		err = report.WriteHTML(w, coll, opts)
	case "xlsx":
		if *outPath == "" {
			fmt.Fprintln(os.Stderr, "xlsx reports need -out")
			os.Exit(1)
		}
		err = report.WriteXLSX(w, coll)
	default:
		fmt.Fprintf(os.Stderr, "Unknown report format %q; use md, html, or xlsx\n", *format)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Report failed: %v\n", err)
		os.Exit(1)
	}
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (inbox events, batch merges, etc.)")
	_ = fs.Parse(os.Args[2:])
	cfg, resolvedConfigPath, logger := setup(commonFlags{config: configPath, debug: debug})
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	inbox := watcher.NewInbox(components.Merge,
		watcher.WithInboxLogger(logger),
		watcher.OnBatch(func(path string, rep *merge.BatchReport) {
			logger.Info("inbox batch merged", zap.String("path", path),
				zap.Int("added", rep.Added), zap.Int("identical", rep.Identical), zap.Int("similar", rep.Similar))
		}),
	)
	watchSvc := watcher.New(cfg.Watch, inbox.Handle, watcher.WithLogger(logger))
	if err := watchSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExisting()

	opts := []server.Option{server.WithArchive(components.Archive)}
	opts = append(opts, server.WithWatch(watchSvc, resolvedConfigPath))
	srv := server.NewServer(components.Merge, cfg, logger, opts...)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	watchSvc.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

func runWatch() {
	if len(os.Args) >= 3 {
		switch os.Args[2] {
		case "add", "remove", "list":
			runWatchRemote(os.Args[2], os.Args[3:])
			return
		}
	}

	// Foreground mode: merge batches dropped into the inbox directories until interrupted.
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])
	cfg, _, logger := setup(commonFlags{config: configPath, debug: debug})
	defer logger.Sync()
	if fs.NArg() > 0 {
		cfg.Watch.Directories = fs.Args()
	}
	if len(cfg.Watch.Directories) == 0 {
		fmt.Println("Usage: matome watch [flags] <dir>...   (or set watch.directories)")
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	components, err := initializeComponents(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	inbox := watcher.NewInbox(components.Merge,
		watcher.WithInboxLogger(logger),
		watcher.OnBatch(func(path string, rep *merge.BatchReport) {
			_ = cli.WriteBatchReport(os.Stdout, path, rep, cli.OutputText)
		}),
	)
	w := watcher.New(cfg.Watch, inbox.Handle, watcher.WithLogger(logger))
	if err := w.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	w.SyncExisting()
	logger.Info("watching inbox directories", zap.Strings("directories", w.Directories()))
	<-ctx.Done()
	w.Stop()
}

// runWatchRemote manages a running server's inbox directories.
func runWatchRemote(sub string, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(args)
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: matome watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body, _ := json.Marshal(map[string]interface{}{"path": path, "sync": true})
		resp, err := http.Post(*serverURL+"/api/v1/watch/directories", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Add failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: matome watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Remove failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		resp, err := http.Get(*serverURL + "/api/v1/watch/directories")
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("List failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("Parse failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	}
}

// Components holds initialized services.
type Components struct {
	Collection *collection.Collection
	Embedder   embedding.Embedder
	Vectors    *vector.Store
	Lexical    lexical.Index
	Archive    storage.Archive
	Judge      *judge.Judge
	Merge      *merge.Engine
}

func (c *Components) Close() {
	if c.Vectors != nil {
		_ = c.Vectors.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Lexical != nil {
		_ = c.Lexical.Close()
	}
	if c.Archive != nil {
		_ = c.Archive.Close()
	}
}

func newJudge(cfg *config.Config, logger *zap.Logger) (*judge.Judge, error) {
	pool, err := llm.NewPoolFromConfig(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	return judge.New(pool, judge.WithLogger(logger), judge.WithUserName(cfg.Cluster.UserName)), nil
}

// initializeComponents loads the collection and its indices and wires the merge
// engine. Without withLLM the engine is read-only (search and rebuild).
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, withLLM bool) (*Components, error) {
	c := &Components{}
	coll, err := collection.Load(cfg.Storage.CollectionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	c.Collection = coll

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Warn("embedder unavailable, falling back to mock embeddings",
			zap.String("provider", cfg.Embedding.Provider), zap.Error(err))
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	}
	c.Embedder = embedder

	index, err := vector.NewFromConfig(cfg.Vector, embedder.Dimensions())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if err := index.Load(cfg.Storage.VectorIndexPath); err != nil {
		logger.Warn("vector index load skipped (rebuilding)", zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
	}
	c.Vectors, err = vector.NewStore(index, embedder)
	if err != nil {
		_ = index.Close()
		c.Close()
		return nil, err
	}

	c.Lexical, err = lexical.New(cfg.Lexical.Backend, lexical.WithLogger(logger))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize lexical index: %w", err)
	}
	if err := c.Lexical.Load(cfg.Storage.LexicalIndexPath); err != nil {
		logger.Warn("lexical index load skipped (rebuilding)", zap.String("path", cfg.Storage.LexicalIndexPath), zap.Error(err))
	}

	var classifier merge.Classifier
	opts := []merge.Option{merge.WithLogger(logger)}
	if withLLM {
		c.Judge, err = newJudge(cfg, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize llm pool: %w", err)
		}
		classifier = c.Judge
		if cfg.Merge.SimilarThreshold > 0 {
			opts = append(opts, merge.WithSynthesizer(c.Judge))
		}
		c.Archive, err = storage.NewSQLiteArchive(cfg.Storage.ArchivePath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open run archive: %w", err)
		}
		opts = append(opts,
			merge.WithArchive(c.Archive),
			merge.WithSnapshot(merge.Snapshot{
				Collection: cfg.Storage.CollectionPath,
				Vector:     cfg.Storage.VectorIndexPath,
				Lexical:    cfg.Storage.LexicalIndexPath,
			}),
		)
	}
	c.Merge = merge.New(coll, c.Vectors, c.Lexical, classifier, merge.ConfigFrom(cfg), opts...)

	added, err := c.Merge.Rebuild(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to rebuild indices: %w", err)
	}
	logger.Debug("indices ready",
		zap.Int("items", coll.Len()),
		zap.Int("vectors_added", added),
		zap.Int("lexical_size", c.Lexical.Len()),
		zap.String("lexical_backend", cfg.Lexical.Backend))
	return c, nil
}

func printUsage() {
	fmt.Println(`matome - Condense observations into multi-level insights

Usage:
  matome merge [flags] <batch.json>...      Dedup observation batches into the collection
  matome cluster [flags]                    Grow insights over the collection
  matome meta [flags] <collection.json>...  Cluster insights across sessions
  matome search [flags] <query>             Search raw observations
  matome show [flags] <id>                  Show one item
  matome status [flags]                     Show collection, storage, and run status
  matome report [flags]                     Render insights (md, html, xlsx)
  matome serve [flags]                      Start the HTTP server and inbox watcher
  matome watch [flags] [dir...]             Merge batches dropped into inbox directories
  matome watch <add|remove|list>            Manage a running server's inbox directories
  matome version                            Show version
  matome help                               Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/matome/config.yaml)
  --debug            Enable debug logging
  --output string    Output format: text or json (default: text)

Cluster and Meta Flags:
  --iterations int        Maximum rounds (default from config)
  --seeds string          Comma-separated seed themes
  --no-shuffle            Keep the pool order between rounds
  --shuffle-seed int      Shuffle seed (default from config)
  --label-interesting     Rate final insights for interestingness
  --collection string     (meta) Meta collection path

Search Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" to read the collection directly.
  --top-k int        Number of results (default: 10)

Report Flags:
  --format string      md, html, or xlsx (default: md)
  --out string         Output file (default: stdout; required for xlsx)
  --min-level int      Lowest insight level (default: 1)
  --interesting        Only insights rated interesting

Examples:
  matome merge inbox/batch-001.json
  matome cluster --iterations 5 --seeds "email,calendar"
  matome meta sessions/*.json
  matome search checks email
  matome show c-3 --members
  matome report --format html --out insights.html
  matome serve
  matome watch add /path/to/inbox`)
}
