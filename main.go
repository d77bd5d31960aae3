package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tilesync/server"
	"tilesync/store"
	"tilesync/tilemap"
)

// 入口：加载配置，启动 HTTP + WebSocket 服务与事件循环
func main() {
	cfg := server.DefaultConfig()
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :3001")
	flag.StringVar(&cfg.MapsDir, "maps", cfg.MapsDir, "directory with Tiled JSON maps (<key>.json)")
	flag.StringVar(&cfg.WebDir, "web", cfg.WebDir, "static client directory served at /")
	flag.StringVar(&cfg.StorePath, "store", cfg.StorePath, "save file path, empty disables saves")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file path")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.BoolVar(&cfg.LogStdout, "log-stdout", cfg.LogStdout, "also log to stderr")
	flag.StringVar(&cfg.DefaultMap, "default-map", cfg.DefaultMap, "map offered to sessions without a save")
	flag.IntVar(&cfg.DefaultSpawn.X, "spawn-x", cfg.DefaultSpawn.X, "default spawn column")
	flag.IntVar(&cfg.DefaultSpawn.Y, "spawn-y", cfg.DefaultSpawn.Y, "default spawn row")
	flag.DurationVar(&cfg.StepDuration, "step", cfg.StepDuration, "duration of one step")
	flag.DurationVar(&cfg.StepTolerance, "step-tolerance", cfg.StepTolerance, "latency tolerance subtracted from the step lock")
	flag.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "per-connection outbound queue length")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}
	if err := server.InitLogger(cfg.LogFile, cfg.LogLevel, cfg.LogStdout); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	var saves server.SaveStore
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			server.Log.Fatalf("open store: %v", err)
		}
		defer st.Close()
		saves = st
	}

	hub := server.NewHub(cfg, tilemap.NewDirProvider(cfg.MapsDir), saves)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	loopDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(loopDone)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	mux.Handle("/", http.FileServer(http.Dir(cfg.WebDir)))
	// 管理与监控接口
	mux.HandleFunc("/admin/config", hub.HandleAdminConfig)
	mux.HandleFunc("/admin/maps", hub.HandleMaps)
	mux.HandleFunc("/metrics", hub.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		server.Log.Infof("tilesync listening on %s; maps from %s", cfg.Addr, cfg.MapsDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	<-ctx.Done()
	server.Log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		server.Log.Warnw("shutdown", "err", err)
	}
	<-loopDone
}
