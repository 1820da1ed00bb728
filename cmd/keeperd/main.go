package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"worldkeep.dev/internal/archive"
	"worldkeep.dev/internal/config"
	"worldkeep.dev/internal/diag"
	"worldkeep.dev/internal/indexdb"
	"worldkeep.dev/internal/observer"
	"worldkeep.dev/internal/persist"
	"worldkeep.dev/internal/snapshot"
	"worldkeep.dev/internal/world"
	"worldkeep.dev/internal/world/model"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to keeper.yaml (optional)")
		worldID = flag.String("world", "", "world name (overrides config)")
		dataDir = flag.String("data", "", "runtime data directory (overrides config)")
		saveSec = flag.Int("save_every", 0, "seconds between passes (overrides config)")
		listen  = flag.String("listen", "", "health+metrics+admin listen address (overrides config)")
		obsAddr = flag.String("observer", "", "observer feed listen address (overrides config)")
		catalog = flag.String("catalog", "", "sqlite catalog path (overrides config)")
		seed    = flag.Int64("seed", 1337, "soak population seed (used only when starting fresh)")
		soakOn  = flag.Bool("soak", true, "churn a synthetic population between passes")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[keeperd] ", log.LstdFlags|log.Lmicroseconds)

	cfg := config.Default()
	if strings.TrimSpace(*cfgPath) != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
	}
	if *worldID != "" {
		cfg.World = *worldID
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *saveSec > 0 {
		cfg.SaveEverySec = *saveSec
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *obsAddr != "" {
		cfg.ObserverAddr = *obsAddr
	}
	if *catalog != "" {
		cfg.CatalogPath = *catalog
	}

	reg := persist.NewRegistry()
	if err := model.RegisterTypes(reg); err != nil {
		logger.Fatalf("register types: %v", err)
	}

	worldDir := filepath.Join(cfg.DataDir, "worlds", cfg.World)
	st, err := snapshot.Open(worldDir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	if n, err := st.SweepStaging(); err != nil {
		logger.Printf("sweep staging: %v", err)
	} else if n > 0 {
		logger.Printf("removed %d abandoned staging dir(s)", n)
	}

	sink := diag.NewJSONLSink(filepath.Join(worldDir, "diag"), "events")
	defer sink.Close()
	rec := diag.NewRecorder(logger, sink)

	var cat *indexdb.Catalog
	if cfg.CatalogPath != "" {
		cat, err = indexdb.Open(cfg.CatalogPath)
		if err != nil {
			logger.Fatalf("open catalog: %v", err)
		}
		defer cat.Close()
		rec.Attach(cat)
	}

	hub := observer.NewHub(cfg.World, logger)
	rec.Attach(hub)

	ctx, cancel := signalContext()
	defer cancel()

	w := world.New(cfg.World)
	loader := snapshot.NewLoader(st, reg, rec, snapshot.LoadOptions{Parallelism: cfg.EncodeWorkers})
	res, err := loader.LoadLatest(ctx)
	fresh := false
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		fresh = true
	case err != nil:
		logger.Fatalf("load latest pass: %v", err)
	default:
		w.Adopt(res.Entities)
		cat.RecordLoad(&res.Report)
		logger.Printf("resumed from pass seq=%d entities=%d anomalies=%d",
			res.Report.Seq, res.Report.TotalLoaded(), res.Report.Anomalies())
	}

	sk := newSoak(w, cfg.Soak, *seed, logger)
	if fresh {
		if *soakOn {
			if err := sk.seed(); err != nil {
				logger.Fatalf("seed world: %v", err)
			}
			logger.Printf("started fresh: seeded %d entities", w.Len())
		} else {
			logger.Printf("started fresh: empty world")
		}
	}

	var stats keeperStats
	buildOpts := snapshot.SaveOptions{
		World:       cfg.World,
		Level:       cfg.EncoderLevel(),
		Parallelism: cfg.EncodeWorkers,
	}

	// Pass writer. Commits run on a background context so one in flight
	// finishes even during shutdown.
	snapCh := make(chan *snapshot.Image, 2)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for img := range snapCh {
			rep, err := snapshot.Commit(context.Background(), st, img, rec)
			if err != nil {
				stats.saveErrors.Add(1)
				logger.Printf("commit pass: %v", err)
				continue
			}
			stats.saves.Add(1)
			stats.lastSeq.Store(rep.Seq)
			stats.lastRecords.Store(rep.TotalRecords())
			stats.lastSaveMS.Store(rep.Duration.Milliseconds())
			stats.lastSaveUnix.Store(time.Now().Unix())
			cat.RecordPass(rep)

			r, err := archive.Apply(st, archive.Policy{
				KeepPasses:   cfg.Retention.KeepPasses,
				ArchiveEvery: cfg.Retention.ArchiveEvery,
			})
			if err != nil {
				logger.Printf("retention: %v", err)
				continue
			}
			stats.pruned.Add(uint64(len(r.Pruned)))
			stats.archived.Add(uint64(len(r.Archived)))
		}
	}()

	// World loop. Owns every entity; hands fully encoded images to the
	// writer, so a busy writer costs a skipped save, never a stall.
	saveNow := make(chan struct{}, 1)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		defer close(snapCh)

		churn := time.NewTicker(time.Second)
		defer churn.Stop()
		save := time.NewTicker(time.Duration(cfg.SaveEverySec) * time.Second)
		defer save.Stop()

		build := func(bctx context.Context) *snapshot.Image {
			img, err := snapshot.Build(bctx, reg, w.Freeze(), buildOpts)
			if err != nil {
				stats.saveErrors.Add(1)
				logger.Printf("build pass: %v", err)
				return nil
			}
			return img
		}
		enqueue := func() {
			img := build(ctx)
			if img == nil {
				return
			}
			select {
			case snapCh <- img:
			default:
				stats.skipped.Add(1)
				logger.Printf("save skipped: writer busy")
			}
		}

		for {
			select {
			case <-ctx.Done():
				// The final pass must land, so block.
				if img := build(context.Background()); img != nil {
					snapCh <- img
				}
				return
			case <-churn.C:
				if *soakOn {
					sk.churn()
				}
			case <-save.C:
				enqueue()
			case <-saveNow:
				enqueue()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP worldkeep_entities Live entities in the world.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_entities gauge\n")
		fmt.Fprintf(rw, "worldkeep_entities{world=%q} %d\n", cfg.World, w.Len())

		fmt.Fprintf(rw, "# HELP worldkeep_saves_total Committed passes.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_saves_total counter\n")
		fmt.Fprintf(rw, "worldkeep_saves_total{world=%q} %d\n", cfg.World, stats.saves.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_save_errors_total Failed builds or commits.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_save_errors_total counter\n")
		fmt.Fprintf(rw, "worldkeep_save_errors_total{world=%q} %d\n", cfg.World, stats.saveErrors.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_saves_skipped_total Saves dropped because the writer was busy.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_saves_skipped_total counter\n")
		fmt.Fprintf(rw, "worldkeep_saves_skipped_total{world=%q} %d\n", cfg.World, stats.skipped.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_last_pass_seq Sequence number of the newest pass.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_last_pass_seq gauge\n")
		fmt.Fprintf(rw, "worldkeep_last_pass_seq{world=%q} %d\n", cfg.World, stats.lastSeq.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_last_pass_records Records in the newest pass.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_last_pass_records gauge\n")
		fmt.Fprintf(rw, "worldkeep_last_pass_records{world=%q} %d\n", cfg.World, stats.lastRecords.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_last_save_duration_ms Encode plus commit time of the newest pass.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_last_save_duration_ms gauge\n")
		fmt.Fprintf(rw, "worldkeep_last_save_duration_ms{world=%q} %d\n", cfg.World, stats.lastSaveMS.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_last_save_unix Unix timestamp of the newest pass.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_last_save_unix gauge\n")
		fmt.Fprintf(rw, "worldkeep_last_save_unix{world=%q} %d\n", cfg.World, stats.lastSaveUnix.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_passes_pruned_total Passes removed by retention.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_passes_pruned_total counter\n")
		fmt.Fprintf(rw, "worldkeep_passes_pruned_total{world=%q} %d\n", cfg.World, stats.pruned.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_passes_archived_total Passes copied to the archive before pruning.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_passes_archived_total counter\n")
		fmt.Fprintf(rw, "worldkeep_passes_archived_total{world=%q} %d\n", cfg.World, stats.archived.Load())

		fmt.Fprintf(rw, "# HELP worldkeep_observer_subscribers Connected observer clients.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_observer_subscribers gauge\n")
		fmt.Fprintf(rw, "worldkeep_observer_subscribers{world=%q} %d\n", cfg.World, hub.Subscribers())

		fmt.Fprintf(rw, "# HELP worldkeep_observer_dropped_total Events dropped on slow observer clients.\n")
		fmt.Fprintf(rw, "# TYPE worldkeep_observer_dropped_total counter\n")
		fmt.Fprintf(rw, "worldkeep_observer_dropped_total{world=%q} %d\n", cfg.World, hub.Dropped())
	})

	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			World        string `json:"world"`
			Entities     int    `json:"entities"`
			Saves        uint64 `json:"saves"`
			SaveErrors   uint64 `json:"save_errors"`
			SavesSkipped uint64 `json:"saves_skipped"`
			LastSeq      uint64 `json:"last_pass_seq"`
			LastRecords  uint64 `json:"last_pass_records"`
			LastSaveUnix int64  `json:"last_save_unix"`
			Subscribers  int    `json:"observer_subscribers"`
		}{
			World:        cfg.World,
			Entities:     w.Len(),
			Saves:        stats.saves.Load(),
			SaveErrors:   stats.saveErrors.Load(),
			SavesSkipped: stats.skipped.Load(),
			LastSeq:      stats.lastSeq.Load(),
			LastRecords:  stats.lastRecords.Load(),
			LastSaveUnix: stats.lastSaveUnix.Load(),
			Subscribers:  hub.Subscribers(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/admin/v1/save", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		select {
		case saveNow <- struct{}{}:
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
		default:
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": "save already queued"})
		}
	})

	obsMux := http.NewServeMux()
	obsMux.HandleFunc("/observer/v1/bootstrap", hub.BootstrapHandler())
	obsMux.HandleFunc("/observer/v1/ws", hub.WSHandler())
	obsSrv := &http.Server{
		Addr:              cfg.ObserverAddr,
		Handler:           obsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("observer feed on %s", cfg.ObserverAddr)
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("observer server: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		_ = obsSrv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (world %q, save every %ds)", cfg.ListenAddr, cfg.World, cfg.SaveEverySec)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	<-loopDone
	<-writerDone
	logger.Printf("final pass committed; bye")
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

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type keeperStats struct {
	saves        atomic.Uint64
	saveErrors   atomic.Uint64
	skipped      atomic.Uint64
	lastSeq      atomic.Uint64
	lastRecords  atomic.Uint64
	lastSaveMS   atomic.Int64
	lastSaveUnix atomic.Int64
	pruned       atomic.Uint64
	archived     atomic.Uint64
}
