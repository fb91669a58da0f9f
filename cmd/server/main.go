package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "guardwatch.ai/internal/persistence/log"
	"guardwatch.ai/internal/persistence/snapshot"
	"guardwatch.ai/internal/platform/config"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/tuning"
	admintransport "guardwatch.ai/internal/transport/admin"
	"guardwatch.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		disableDB  = flag.Bool("disable_db", false, "keep state in a snapshot file instead of the sqlite state db")
		adminToken = flag.String("admin_token", "", "bearer token for /v1/admin (empty: loopback only)")
		helloToken = flag.String("hello_token", "", "shared token clients must present in HELLO (empty: none)")

		snapPath      = flag.String("snapshot", "", "snapshot to import at startup instead of the stored state (optional)")
		snapEvery     = flag.Int("snapshot_every_seconds", 300, "periodic snapshot interval (0 disables)")
		snapKeep      = flag.Int("snapshot_keep", 24, "number of periodic snapshots to keep")
		enablePprof   = flag.Bool("pprof", false, "serve /debug/pprof")
		shutdownGrace = flag.Duration("shutdown_grace", 5*time.Second, "time allowed for the final state flush")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	var envCfg config.ServerEnv
	if err := config.ParseEnv(&envCfg); err != nil {
		logger.Fatalf("%v", err)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	overlay := func(name string, dst *string, v string) {
		if !set[name] && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	overlay("addr", addr, envCfg.Addr)
	overlay("data", dataDir, envCfg.DataDir)
	overlay("tuning", tuningPath, envCfg.TuningPath)
	overlay("admin_token", adminToken, envCfg.AdminToken)
	overlay("hello_token", helloToken, envCfg.HelloToken)
	if !set["disable_db"] && envCfg.DisableDB != nil {
		*disableDB = *envCfg.DisableDB
	}
	if !set["snapshot_every_seconds"] && envCfg.SnapshotEveryS != nil {
		*snapEvery = *envCfg.SnapshotEveryS
	}
	if !set["shutdown_grace"] && envCfg.ShutdownGraceS > 0 {
		*shutdownGrace = time.Duration(envCfg.ShutdownGraceS * float64(time.Second))
	}
	if envCfg.Production() && *adminToken == "" {
		logger.Printf("WARN: %s without admin token; admin API is loopback only", envCfg.DeployEnv)
	}

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", *tuningPath)
		tune = tuning.Defaults()
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	backend, db, err := openStateBackend(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open state backend: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	auditLog := persistlog.NewAuditLogger(*dataDir)
	eventLog := persistlog.NewEventLogger(*dataDir)
	defer auditLog.Close()
	defer eventLog.Close()
	auditors := guard.Auditors{auditLog}
	if db != nil {
		auditors = append(auditors, db)
	}

	gateway := ws.NewServer(logger, *helloToken)
	engine, err := guard.New(guard.Config{
		Tuning:    tune,
		Locator:   gateway,
		Presence:  gateway,
		Restraint: gateway,
		Sink:      multiSink{gateway, eventLog},
		Auditor:   auditors,
		Store:     backend,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if p := strings.TrimSpace(*snapPath); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		st, err := snapshot.ToState(snap)
		if err != nil {
			logger.Fatalf("decode snapshot: %v", err)
		}
		if err := engine.Restore(st); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("imported snapshot=%s saved_at=%s", filepath.Base(p), snap.Header.SavedAt.Format(time.RFC3339))
	} else if engine.Load(ctx, backend) {
		logger.Printf("state loaded")
	}
	gateway.Attach(engine)

	snaps := &snapshotter{
		dir:    filepath.Join(*dataDir, "snapshots"),
		keep:   *snapKeep,
		engine: engine,
		db:     db,
		log:    logger,
	}
	go snaps.run(ctx, time.Duration(*snapEvery)*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := engine.Snapshot()

		fmt.Fprintf(rw, "# HELP guardwatch_clients Connected clients.\n")
		fmt.Fprintf(rw, "# TYPE guardwatch_clients gauge\n")
		fmt.Fprintf(rw, "guardwatch_clients %d\n", gateway.Connected())

		onDuty := 0
		for _, r := range st.Duty {
			if r.OnDuty {
				onDuty++
			}
		}
		fmt.Fprintf(rw, "# HELP guardwatch_on_duty Guards currently on duty.\n")
		fmt.Fprintf(rw, "# TYPE guardwatch_on_duty gauge\n")
		fmt.Fprintf(rw, "guardwatch_on_duty %d\n", onDuty)

		fmt.Fprintf(rw, "# HELP guardwatch_detentions Detentions by state.\n")
		fmt.Fprintf(rw, "# TYPE guardwatch_detentions gauge\n")
		fmt.Fprintf(rw, "guardwatch_detentions{state=%q} %d\n", "active", len(st.Jail.Detentions))
		fmt.Fprintf(rw, "guardwatch_detentions{state=%q} %d\n", "pending", len(st.Jail.Pending))
		fmt.Fprintf(rw, "guardwatch_detentions{state=%q} %d\n", "deferred_release", len(st.Jail.Deferred))

		fmt.Fprintf(rw, "# HELP guardwatch_wanted Actors with a wanted level.\n")
		fmt.Fprintf(rw, "# TYPE guardwatch_wanted gauge\n")
		fmt.Fprintf(rw, "guardwatch_wanted %d\n", len(st.Wanted))

		fmt.Fprintf(rw, "# HELP guardwatch_events_dropped_total Events dropped for slow clients.\n")
		fmt.Fprintf(rw, "# TYPE guardwatch_events_dropped_total counter\n")
		fmt.Fprintf(rw, "guardwatch_events_dropped_total %d\n", gateway.Dropped())

		if n, _ := eventLog.Failures(); n > 0 {
			fmt.Fprintf(rw, "# HELP guardwatch_event_log_failures_total Events the event log failed to write.\n")
			fmt.Fprintf(rw, "# TYPE guardwatch_event_log_failures_total counter\n")
			fmt.Fprintf(rw, "guardwatch_event_log_failures_total %d\n", n)
		}
		if db != nil {
			fmt.Fprintf(rw, "# HELP guardwatch_audit_index_dropped_total Audit rows dropped by the state db.\n")
			fmt.Fprintf(rw, "# TYPE guardwatch_audit_index_dropped_total counter\n")
			fmt.Fprintf(rw, "guardwatch_audit_index_dropped_total %d\n", db.Dropped())
		}
	})
	mux.HandleFunc("/v1/tuning", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(engine.Tuning())
	})
	admintransport.New(engine, *adminToken, snaps.write, logger).Register(mux)
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", gateway.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (db=%v)", *addr, db != nil)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancelFlush()
	if err := engine.FlushState(flushCtx); err != nil {
		logger.Printf("final flush: %v", err)
	}
	engine.Close()
	if path, err := snaps.write(flushCtx); err != nil {
		logger.Printf("final snapshot: %v", err)
	} else {
		logger.Printf("final snapshot %s", filepath.Base(path))
	}
	if db != nil {
		if err := db.Sync(flushCtx); err != nil {
			logger.Printf("state db sync: %v", err)
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
