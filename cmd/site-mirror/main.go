package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"site-mirror/pkg/config"
	"site-mirror/pkg/mirror"
	"site-mirror/pkg/render"
)

func main() {
	// --- Early Initialization & Flags ---
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel) // Default level

	configFileFlag := flag.String("config", "", "Path to YAML config file")
	urlFlag := flag.String("url", "", "Root URL to mirror (overrides config)")
	outputFlag := flag.String("output", "", "Output directory (overrides config)")
	logLevelFlag := flag.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	resumeFlag := flag.Bool("resume", false, "Resume a previous run from the crawl journal")
	validateFlag := flag.Bool("validate", false, "Validate the config file and exit")
	pprofAddr := flag.String("pprof", "", "Address for pprof HTTP server (e.g. ':6060', empty to disable)")
	flag.Parse()

	if *validateFlag {
		os.Exit(doValidate(*configFileFlag, os.Stdout, os.Stderr))
	}

	// --- Logger Configuration ---
	level, err := logrus.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", *logLevelFlag, err)
	} else {
		log.SetLevel(level)
	}

	// --- Load Mirror Configuration ---
	cfg := &config.MirrorConfig{}
	if *configFileFlag != "" {
		log.Infof("Loading configuration from %s", *configFileFlag)
		cfg, err = loadConfig(*configFileFlag)
		if err != nil {
			log.Fatalf("Configuration error: %v", err)
		}
	}
	if *urlFlag != "" {
		cfg.RootURL = *urlFlag
	}
	if *outputFlag != "" {
		cfg.OutputDir = *outputFlag
	}
	if *resumeFlag {
		cfg.Resume = true
	}

	// --- Validate Configuration ---
	warnings, err := cfg.Validate()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logMirrorConfig(cfg, log)

	// --- Start pprof HTTP Server (Optional) ---
	if *pprofAddr != "" {
		go func() {
			log.Infof("Starting pprof HTTP server on: http://%s/debug/pprof/", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Errorf("Pprof server failed to start on %s: %v", *pprofAddr, err)
			}
		}()
	}

	// ===========================================================
	// == Setup Global Context & Signal Handling ==
	// ===========================================================
	var crawlCtx context.Context
	var cancelCrawl context.CancelFunc

	if cfg.GlobalCrawlTimeout > 0 {
		log.Infof("Setting global crawl timeout: %v", cfg.GlobalCrawlTimeout)
		crawlCtx, cancelCrawl = context.WithTimeout(context.Background(), cfg.GlobalCrawlTimeout)
	} else {
		crawlCtx, cancelCrawl = context.WithCancel(context.Background())
	}
	defer cancelCrawl()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// First signal cancels the run; a second one (or a stalled shutdown)
	// forces exit.
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancelCrawl()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	// ===========================================================
	// == Initialize Components ==
	// ===========================================================
	log.Info("Initializing components...")

	renderer, err := render.NewChromedpRenderer(render.Options{
		Timeout:      cfg.RenderTimeout,
		SettleDelay:  cfg.SettleDelay,
		UserAgent:    cfg.UserAgent,
		Headless:     cfg.HeadlessEnabled(),
		PoolSize:     cfg.RenderContexts,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, log.WithField("component", "render"))
	if err != nil {
		log.Fatalf("Failed to start browser pool: %v", err)
	}

	crawler, err := mirror.NewCrawler(cfg, renderer, log)
	if err != nil {
		renderer.Close()
		log.Fatalf("Failed to initialize crawler: %v", err)
	}

	// Drain page events so the pipeline never blocks on the hook channel.
	go func() {
		for ev := range crawler.Events() {
			log.WithFields(logrus.Fields{
				"url":  ev.Record.URL.String(),
				"path": ev.OutputPath,
			}).Debug("Page mirrored")
		}
	}()

	// ===========================================================
	// == Run ==
	// ===========================================================
	meta, runErr := crawler.Run(crawlCtx)
	renderer.Close()

	if meta != nil {
		log.Infof("Run %s: %d pages mirrored (%d failed), %d assets (%d failed), %d robots-skipped",
			meta.RunID, meta.PagesRendered, meta.PagesFailed,
			meta.AssetsFetched, meta.AssetsFailed, meta.RobotsSkipped)
	}

	// --- Exit ---
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Warn("Mirror cancelled gracefully.")
			os.Exit(0)
		} else if errors.Is(runErr, context.DeadlineExceeded) {
			log.Error("Mirror timed out (global timeout).")
			os.Exit(1)
		} else {
			log.Errorf("Mirror finished with error: %v", runErr)
			os.Exit(1)
		}
	}

	log.Info("Mirror completed successfully.")
	os.Exit(0)
}

// loadConfig reads and parses a YAML mirror configuration file.
func loadConfig(path string) (*config.MirrorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg config.MirrorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &cfg, nil
}

// doValidate loads and validates a config file, reporting to the given
// streams. Returns the process exit code.
func doValidate(path string, stdout, stderr io.Writer) int {
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Configuration valid.")
	return 0
}

// logMirrorConfig logs the effective configuration
func logMirrorConfig(cfg *config.MirrorConfig, log *logrus.Logger) {
	log.Infof("Config: Root:%s, Output:%s, State:%s", cfg.RootURL, cfg.OutputDir, cfg.StateDir)
	log.Infof("Config Limits: MaxPages:%d, MaxDepth:%d, MaxBodyBytes:%d",
		cfg.MaxPages, cfg.MaxDepth, cfg.MaxBodyBytes)
	log.Infof("Config Concurrency: Workers:%d, RenderContexts:%d, DownloadWorkers:%d, MaxReqs:%d",
		cfg.NumWorkers, cfg.RenderContexts, cfg.DownloadWorkers, cfg.MaxRequests)
	log.Infof("Config Politeness: Robots:%t, DelayPerHost:%v, UserAgent:%q",
		cfg.RespectRobotsEnabled(), cfg.DelayPerHost, cfg.UserAgent)
	log.Infof("Config Render: Timeout:%v, Settle:%v, Headless:%t",
		cfg.RenderTimeout, cfg.SettleDelay, cfg.HeadlessEnabled())
	log.Infof("Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		cfg.MaxRetries, cfg.InitialRetryDelay, cfg.MaxRetryDelay)
}
