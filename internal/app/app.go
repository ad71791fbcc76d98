package app

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/telemetry"
	"github.com/hitoshi/authgate/internal/worker/cleanup"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 5 * time.Second

// Init はロガーを準備してから環境変数の設定を読み込む。
// 設定エラーもJSONログとしてwへ出力される。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Run はサブコマンドを選んで実行する。argsにはos.Args[1:]を渡す。
// serveとworkerはSIGINT/SIGTERMを受けるまで戻らない。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// 設定の読み込みは不要
	if cmd == CommandHealthcheck {
		return runHealthcheck(cmp.Or(os.Getenv("SERVER_PORT"), "8080"))
	}

	cfg, err := Init(w)
	if err != nil {
		return err
	}
	slog.Info("authgate starting", slog.String("command", string(cmd)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase は接続プールを開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", maskDatabaseURL(cfg.DatabaseURL), err)
	}
	return db, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTELEndpoint, cfg.OTELServiceName)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer flushTracing(shutdownTracing)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	srv, err := newServer(ctx, cfg, db, slog.Default())
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case listenErr = <-serveErr:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if listenErr == nil {
		shutdownErr = httpServer.Shutdown(shutdownCtx)
	}
	// キュー内のメールはリクエスト処理が止まってから送り切る
	srv.Close(shutdownCtx)

	switch {
	case listenErr != nil:
		return fmt.Errorf("listen: %w", listenErr)
	case shutdownErr != nil:
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	slog.Info("server stopped")
	return nil
}

// runWorker は失効トークンの掃除をctxが終わるまで定期実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTELEndpoint, cfg.OTELServiceName+"-worker")
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer flushTracing(shutdownTracing)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("cleanup worker running", slog.Duration("interval", cfg.CleanupInterval))
	cleanup.NewCleanupJob(db, slog.Default()).Start(ctx, cfg.CleanupInterval)
	slog.Info("cleanup worker stopped")
	return nil
}

func runMigrate(cfg *config.Config) error {
	slog.Info("applying migrations", slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)))
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// runHealthcheck はローカルの/healthを叩く。
// シェルのないdistrolessイメージのHEALTHCHECKから呼ばれる。
func runHealthcheck(port string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: /health returned %d", resp.StatusCode)
	}
	return nil
}

func flushTracing(shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("trace flush failed", slog.String("error", err.Error()))
	}
}

// maskDatabaseURL はログ用にパスワードを伏せる。解釈できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
