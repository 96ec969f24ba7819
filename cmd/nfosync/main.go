// Command nfosync keeps a media server's library metadata in sync with
// .nfo sidecar files dropped next to video files by an external
// downloader. It runs a one-shot reconciliation pass over the configured
// library roots, or a long-running watcher reacting to filesystem events,
// per spec §4.H / §6.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snapetech/nfosync/internal/config"
	"github.com/snapetech/nfosync/internal/logging"
	"github.com/snapetech/nfosync/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "path to the JSON config file (defaults to CONFIG_FILE env or <base dir>/config.json)")
	disableWatchdog := flag.Bool("disable-watchdog", false, "force a one-shot run, ignoring watch_folders in the config")
	detail := flag.Bool("detail", false, "lower the log level to debug (same as the detail config key)")
	debugHTTP := flag.Bool("debug-http", false, "log every outbound media-server HTTP request")
	debug := flag.Bool("debug", false, "start a /metrics debug listener on :9090")
	baseDirFlag := flag.String("base-dir", "", "override the library base directory (defaults to BASE_DIR env or cwd)")
	flag.Parse()

	baseDir, err := config.BaseDir(*baseDirFlag)
	if err != nil {
		logging.Warnf("nfosync: resolve base dir: %v", err)
		return 1
	}

	configPath := config.FilePath(*configFlag, baseDir)
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrStubCreated) {
			fmt.Printf("nfosync: wrote default config to %s — edit it and rerun\n", configPath)
			return 0
		}
		logging.Warnf("nfosync: load config: %v", err)
		return 1
	}

	if *detail {
		cfg.Detail = true
	}
	setLogLevel(cfg)

	oneShot := *disableWatchdog || !cfg.WatchFolders

	debugAddr := ""
	if *debug {
		debugAddr = ":9090"
	}

	sup, err := supervisor.New(cfg, supervisor.Options{
		BaseDirs:  []string{baseDir},
		CacheDir:  baseDir,
		OneShot:   oneShot,
		DebugAddr: debugAddr,
		DebugHTTP: *debugHTTP,
	})
	if err != nil {
		logging.Warnf("nfosync: startup: %v", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		logging.Warnf("nfosync: run: %v", err)
		return 1
	}
	return 0
}

// setLogLevel applies spec §6's silent/detail switches via the internal
// level gate: silent raises the floor to warnings only, detail lowers it to
// debug, and otherwise every component logs at its normal level.
func setLogLevel(cfg config.Config) {
	switch {
	case cfg.Silent:
		logging.SetLevel(logging.LevelWarn)
	case cfg.Detail:
		logging.SetLevel(logging.LevelDebug)
	default:
		logging.SetLevel(logging.LevelInfo)
	}
}
