package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/martin-sucha/css-embed/cache"
	"github.com/martin-sucha/css-embed/config"
	"github.com/martin-sucha/css-embed/embed"
	"github.com/martin-sucha/css-embed/fetch"
	"github.com/martin-sucha/css-embed/prefetch"
	"github.com/martin-sucha/css-embed/repository"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "load configuration from `FILE` (YAML)",
	}
	app := &cli.App{
		Name:  "css-embed",
		Usage: "Inline resources referenced from CSS stylesheets as data URIs",
		Commands: []*cli.Command{
			{
				Name:      "embed",
				Usage:     "embed resources referenced from stylesheets",
				ArgsUsage: "file-or-url [file-or-url...]",
				Action:    doEmbed,
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:  "base",
						Usage: "resolve relative references against `URL` instead of the input location",
					},
					&cli.BoolFlag{
						Name:  "exclude-remote",
						Usage: "replace every non data URI reference by a placeholder image",
					},
					&cli.BoolFlag{
						Name:  "silent",
						Usage: "use a placeholder image for resources that fail to load",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "write result to `FILE` instead of stdout, only with a single input",
					},
					&cli.StringFlag{
						Name:  "output-dir",
						Usage: "write results to `DIR`, required with multiple inputs",
					},
					&cli.IntFlag{
						Name:  "jobs",
						Usage: "number of parallel downloads, 1 disables prefetching",
					},
				},
			},
			{
				Name:  "cache",
				Usage: "inspect the on-disk resource cache",
				Subcommands: []*cli.Command{
					{
						Name:      "list",
						Usage:     "list urls stored in a cache directory",
						ArgsUsage: "dir",
						Action:    doCacheList,
					},
					{
						Name:      "remove",
						Usage:     "remove urls from a cache directory",
						ArgsUsage: "dir url [url...]",
						Action:    doCacheRemove,
					},
				},
			},
			{
				Name:   "config",
				Usage:  "print effective configuration",
				Action: doConfig,
				Flags:  []cli.Flag{configFlag},
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfiguration(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("exclude-remote") {
		cfg.Embed.ExcludeRemoteResources = c.Bool("exclude-remote")
	}
	if c.IsSet("silent") {
		cfg.Embed.SilentOnFetchError = c.Bool("silent")
	}
	if c.IsSet("jobs") {
		cfg.Embed.Jobs = c.Int("jobs")
	}
	return cfg, cfg.Validate()
}

func doEmbed(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("not enough arguments")
	}
	inputs := c.Args().Slice()
	if len(inputs) > 1 && c.String("output-dir") == "" {
		return fmt.Errorf("--output-dir is required with multiple inputs")
	}
	if len(inputs) > 1 && c.String("output") != "" {
		return fmt.Errorf("--output can only be used with a single input")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Prepare()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := c.Context
	fetcher := newFetcher(cfg, log)
	resources, err := newCache(cfg, log)
	if err != nil {
		return err
	}

	type document struct {
		input, baseURL, css string
	}
	docs := make([]document, 0, len(inputs))
	for _, input := range inputs {
		baseURL, css, err := readInput(ctx, fetcher, input)
		if err != nil {
			return fmt.Errorf("read %s: %w", input, err)
		}
		if c.IsSet("base") {
			baseURL = c.String("base")
		}
		docs = append(docs, document{input: input, baseURL: baseURL, css: css})
	}

	if !cfg.Embed.ExcludeRemoteResources && cfg.Embed.Jobs > 1 {
		p := &prefetch.Prefetcher{
			Cache:    resources,
			Fetcher:  fetcher,
			MaxDepth: cfg.Embed.MaxDepth,
			Log:      log,
		}
		for _, doc := range docs {
			stats := p.Prefetch(ctx, doc.baseURL, doc.css, cfg.Embed.Jobs)
			log.Debug("Prefetched",
				zap.String("input", doc.input),
				zap.Int("fetched", stats.Fetched),
				zap.Int("cached", stats.Cached),
				zap.Int("failed", stats.Failed))
		}
	}

	e := &embed.Embedder{
		Cache:    resources,
		Fetcher:  fetcher,
		MaxDepth: cfg.Embed.MaxDepth,
		Log:      log,
	}
	opts := embed.Options{
		ExcludeRemoteResources: cfg.Embed.ExcludeRemoteResources,
		SilentOnFetchError:     cfg.Embed.SilentOnFetchError,
	}
	for _, doc := range docs {
		out, err := e.CSS(ctx, doc.baseURL, doc.css, opts)
		if err != nil {
			return fmt.Errorf("embed %s: %w", doc.input, err)
		}
		err = writeOutput(c, doc.input, out)
		if err != nil {
			return err
		}
		log.Info("Embedded", zap.String("input", doc.input), zap.Int("bytes", len(out)))
	}
	return nil
}

func newFetcher(cfg *config.Config, log *zap.Logger) *fetch.Client {
	client := &fetch.Client{
		HTTPClient: &http.Client{Timeout: cfg.Fetch.Timeout},
		UserAgent:  cfg.Fetch.UserAgent,
		MaxSize:    cfg.Fetch.MaxSize,
		Log:        log,
	}
	if cfg.Fetch.RequestsPerSecond > 0 {
		client.Limiter = rate.NewLimiter(rate.Limit(cfg.Fetch.RequestsPerSecond), cfg.Fetch.Burst)
	}
	return client
}

// newCache returns an in-memory cache, backed by a cache directory if configured.
// The result is safe for concurrent use.
func newCache(cfg *config.Config, log *zap.Logger) (cache.Cache, error) {
	if cfg.Cache.Dir == "" {
		return cache.NewLocked(cache.Map{}), nil
	}
	repo, err := repository.New(cfg.Cache.Dir, log)
	if err != nil {
		return nil, err
	}
	return cache.NewLocked(cache.Layered{Front: cache.Map{}, Back: repo}), nil
}

// readInput loads a stylesheet from a local path or an absolute URL.
// It returns the URL of the stylesheet to resolve relative references against.
func readInput(ctx context.Context, f fetch.Fetcher, input string) (string, string, error) {
	if u, err := url.Parse(input); err == nil && isFetchableScheme(u.Scheme) {
		entry, err := f.Fetch(ctx, u.String())
		if err != nil {
			return "", "", err
		}
		return u.String(), string(entry.Data), nil
	}
	absPath, err := filepath.Abs(input)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(absPath)}
	return u.String(), string(data), nil
}

func isFetchableScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https", "file":
		return true
	default:
		return false
	}
}

func writeOutput(c *cli.Context, input, out string) error {
	var outPath string
	switch {
	case c.String("output") != "":
		outPath = c.String("output")
	case c.String("output-dir") != "":
		name := path.Base(filepath.ToSlash(input))
		if u, err := url.Parse(input); err == nil && isFetchableScheme(u.Scheme) {
			name = path.Base(u.Path)
		}
		if name == "" || name == "." || name == "/" {
			name = "index.css"
		}
		outPath = filepath.Join(c.String("output-dir"), name)
	default:
		_, err := fmt.Fprint(c.App.Writer, out)
		return err
	}
	return os.WriteFile(outPath, []byte(out), 0666)
}

func doCacheList(c *cli.Context) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("not enough arguments")
	}
	repo, err := repository.New(c.Args().First(), nil)
	if err != nil {
		return err
	}
	urls, err := repo.List()
	if err != nil {
		return err
	}
	for _, u := range urls {
		doc, err := repo.Load(u)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\n", doc.Metadata.URL, doc.Metadata.ContentType, len(doc.Body))
		if err != nil {
			return err
		}
	}
	return nil
}

func doCacheRemove(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("not enough arguments")
	}
	repo, err := repository.New(c.Args().First(), nil)
	if err != nil {
		return err
	}
	for _, u := range c.Args().Tail() {
		if err := repo.Remove(u); err != nil {
			return err
		}
	}
	return nil
}

func doConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(data)
	return err
}
