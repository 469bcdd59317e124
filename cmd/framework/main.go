package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"apframework.dev/internal/config"
	"apframework.dev/internal/lifecycle"
	"apframework.dev/internal/logging"
	"apframework.dev/internal/persistence/indexdb"
	"apframework.dev/internal/persistence/journal"
	"apframework.dev/internal/protocol"
)

func main() {
	var (
		baseDir     = flag.String("base", "./data", "framework data directory (mods/, output/, session state)")
		optionsPath = flag.String("options", "", "path to options file (default: <base>/options.json)")
		addr        = flag.String("addr", "127.0.0.1:8280", "http listen address for health/metrics (empty to disable)")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite run index")
	)
	flag.Parse()

	var cfg config.Config
	var cfgErr error
	if strings.TrimSpace(*optionsPath) != "" {
		cfg, cfgErr = config.LoadFile(*optionsPath)
	} else {
		cfg, cfgErr = config.Load(*baseDir)
	}

	logFile := cfg.LogFile
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(*baseDir, logFile)
	}
	logger, err := logging.New(logging.Options{
		Level:   logging.ParseLevel(cfg.LogLevel),
		File:    logFile,
		Console: cfg.LogToConsole,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := os.MkdirAll(*baseDir, 0o755); err != nil {
		logger.Errorf("create data dir: %v", err)
		os.Exit(1)
	}

	coord := lifecycle.New(cfg, *baseDir, logger)

	jnl := journal.New(*baseDir)
	defer jnl.Close()
	coord.AddRecorder(journalRecorder{jnl: jnl, log: logger})

	if !*disableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(*baseDir, "index.db"))
		if err != nil {
			logger.Warnf("open run index: %v (continuing without)", err)
		} else {
			defer idx.Close()
			coord.AddRecorder(idx)
		}
	}

	if err := coord.Init(); err != nil {
		logger.Errorf("init: %v", err)
		coord.Shutdown()
		os.Exit(1)
	}
	if cfgErr != nil {
		logger.Warnf("options file invalid, using defaults: %v", cfgErr)
		coord.Router().BroadcastError(protocol.CodeConfigInvalid,
			"options file invalid, defaults in use", cfgErr.Error())
	}

	ctx, cancel := signalContext()
	defer cancel()

	if strings.TrimSpace(*addr) != "" {
		startHTTP(ctx, *addr, coord, logger)
	}

	tick := time.Duration(cfg.Threading.IPCPollIntervalMS) * time.Millisecond
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	logger.Infof("framework running (state %s)", coord.State())
	for {
		select {
		case <-ctx.Done():
			coord.Shutdown()
			return
		case <-ticker.C:
			coord.Tick()
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func startHTTP(ctx context.Context, addr string, coord *lifecycle.Coordinator, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP apframework_lifecycle_state Current lifecycle state (enum index).\n")
		fmt.Fprintf(rw, "# TYPE apframework_lifecycle_state gauge\n")
		fmt.Fprintf(rw, "apframework_lifecycle_state{name=%q} %d\n", coord.State(), int(coord.State()))

		fmt.Fprintf(rw, "# HELP apframework_ipc_clients Connected IPC clients.\n")
		fmt.Fprintf(rw, "# TYPE apframework_ipc_clients gauge\n")
		fmt.Fprintf(rw, "apframework_ipc_clients %d\n", coord.IPC().ClientCount())

		fmt.Fprintf(rw, "# HELP apframework_dropped_total Messages dropped to queue overflow.\n")
		fmt.Fprintf(rw, "# TYPE apframework_dropped_total counter\n")
		fmt.Fprintf(rw, "apframework_dropped_total{queue=%q} %d\n", "ipc", coord.IPC().DroppedMessages())
		fmt.Fprintf(rw, "apframework_dropped_total{queue=%q} %d\n", "events", coord.Worker().DroppedEvents())

		fmt.Fprintf(rw, "# HELP apframework_received_item_index Index of the next expected item.\n")
		fmt.Fprintf(rw, "# TYPE apframework_received_item_index gauge\n")
		fmt.Fprintf(rw, "apframework_received_item_index %d\n", coord.Store().ReceivedItemIndex())

		fmt.Fprintf(rw, "# HELP apframework_checked_locations Locally acknowledged checks.\n")
		fmt.Fprintf(rw, "# TYPE apframework_checked_locations gauge\n")
		fmt.Fprintf(rw, "apframework_checked_locations %d\n", coord.Store().CheckedLocationCount())
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()
	go func() {
		logger.Infof("http listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("ListenAndServe: %v", err)
		}
	}()
}

// journalRecorder adapts the journal's error-returning writers to the
// coordinator's fire-and-forget recorder interface.
type journalRecorder struct {
	jnl *journal.Journal
	log *logging.Logger
}

func (r journalRecorder) RecordTransition(from, to, message string) {
	if err := r.jnl.RecordTransition(from, to, message); err != nil {
		r.log.Warnf("journal transition: %v", err)
	}
}

func (r journalRecorder) RecordItem(itemID int64, itemName, sender, modID string) {
	if err := r.jnl.RecordItem(itemID, itemName, sender, modID); err != nil {
		r.log.Warnf("journal item: %v", err)
	}
}

func (r journalRecorder) RecordCheck(locationID int64, modID string) {
	if err := r.jnl.RecordCheck(locationID, modID); err != nil {
		r.log.Warnf("journal check: %v", err)
	}
}

func (r journalRecorder) RecordError(code, message, details string) {
	if err := r.jnl.RecordError(code, message, details); err != nil {
		r.log.Warnf("journal error: %v", err)
	}
}
