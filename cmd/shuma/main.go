package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shuma/internal/adminapi"
	"shuma/internal/ban"
	"shuma/internal/config"
	"shuma/internal/kv"
	"shuma/internal/maze"
	"shuma/internal/metricstext"
	"shuma/internal/observability"
	"shuma/internal/pipeline"
	"shuma/internal/ratelimit"
	"shuma/internal/robots"
	"shuma/internal/siteconfig"
	"shuma/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/shuma.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting shuma",
		"listen", cfg.Listen,
		"kv_backend", cfg.KV.Backend,
		"admin_enabled", cfg.Admin.Enabled,
	)

	store, closer, err := openStore(cfg.KV)
	if err != nil {
		slog.Error("failed to open kv store", "backend", cfg.KV.Backend, "error", err)
		os.Exit(1)
	}

	configs := siteconfig.NewCache()
	bans := ban.New(store)
	rate := ratelimit.New(store)

	var rateRedis *ratelimit.RedisCounter
	if url := os.Getenv("SHUMA_RATE_LIMITER_REDIS_URL"); url != "" {
		redisStore, err := kv.NewRedisStore(url)
		if err != nil {
			slog.Error("failed to connect external rate limiter redis", "error", err)
			os.Exit(1)
		}
		rateRedis = ratelimit.NewRedisCounter(redisStore)
		slog.Info("external rate limiter backend enabled")
	}

	mazeRuntime := maze.NewRuntime(maze.NewState(store), cfg.Secrets.Maze)

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var history *observability.SQLiteHistory
	if cfg.Observability.HistoryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Observability.HistoryPath), 0o755); err != nil {
			slog.Error("failed to create observability data directory", "error", err)
			os.Exit(1)
		}
		history, err = observability.NewSQLiteHistory(cfg.Observability.HistoryPath)
		if err != nil {
			slog.Warn("sqlite history initialization failed, continuing without it", "error", err)
			history = nil
		} else {
			slog.Info("observability history enabled", "path", cfg.Observability.HistoryPath)
		}
	}

	admin := adminapi.New(store, configs, bans, eventListerFor(history), cfg.Admin.Auth.Enabled, cfg.Admin.Auth.APIKey)

	recorder := &observability.Recorder{
		Store:   store,
		Metrics: metrics,
		History: historyCollaborator(history, admin),
	}

	p := &pipeline.Pipeline{
		Store:           store,
		Configs:         configs,
		Bans:            bans,
		Rate:            rate,
		RateRedis:       rateRedis,
		Maze:            mazeRuntime,
		JSSecret:        cfg.Secrets.JS,
		PowSecret:       cfg.Secrets.PoW,
		MazeSecret:      cfg.Secrets.Maze,
		ChallengeSecret: cfg.Secrets.Challenge,
		KVFailOpen:      cfg.KVFailOpen,
		Recorder:        recorder,
		Telemetry:       tp,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/robots.txt", robots.Handler(func(r *http.Request) siteconfig.Config {
		cfg, err := configs.LoadCached(r.Context(), store, requestSite(r))
		if err != nil {
			return siteconfig.Default()
		}
		return cfg
	}))
	mux.Handle("/metrics", metricstext.Handler(registry))
	mux.Handle("/", p)

	proxyServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer = &http.Server{
			Addr:         cfg.Admin.Listen,
			Handler:      admin,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		proxyServer.TLSConfig = tlsConfig
		slog.Info("TLS enabled for proxy server")
	}

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("proxy server starting (HTTPS)", "addr", cfg.Listen)
			if err := proxyServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy server error: %w", err)
			}
		} else {
			slog.Info("proxy server starting (HTTP)", "addr", cfg.Listen)
			if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy server error: %w", err)
			}
		}
	}()

	if adminServer != nil {
		go func() {
			slog.Info("admin server starting", "addr", cfg.Admin.Listen)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("admin server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy server shutdown error", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			slog.Error("kv store close error", "error", err)
		}
	}
	if history != nil {
		if err := history.Close(); err != nil {
			slog.Error("observability history close error", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("shuma stopped")
}

// requestSite mirrors the pipeline's own host-based site resolution so
// robots.txt is rendered against the same per-site Config a request to
// any other path on the same host would see.
func requestSite(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "default"
	}
	return host
}

// openStore selects the KV backend named by cfg.Backend. closer is non-nil
// for backends holding an external connection or file handle that must be
// released on shutdown.
func openStore(cfg config.KVConfig) (kv.Store, kv.Closer, error) {
	switch cfg.Backend {
	case "redis":
		url := fmt.Sprintf("redis://:%s@%s/%d", cfg.Redis.Password, cfg.Redis.Addr, cfg.Redis.DB)
		redisStore, err := kv.NewRedisStore(url)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return redisStore, redisStore, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating kv data directory: %w", err)
		}
		sqliteStore, err := kv.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite kv store: %w", err)
		}
		return sqliteStore, sqliteStore, nil
	default:
		return kv.NewMemoryStore(), nil, nil
	}
}

// eventListerFor adapts SQLiteHistory's query surface to adminapi's
// EventLister; a nil history means GET /admin/events always returns empty.
func eventListerFor(history *observability.SQLiteHistory) adminapi.EventLister {
	if history == nil {
		return nil
	}
	return func(ctx context.Context, site string, limit int) ([]observability.LogEntry, error) {
		return history.ListEvents(observability.QueryOptions{Site: site, Limit: limit})
	}
}

// historyMirror adapts SQLiteHistory.Record and the admin API's live
// subscriber fan-out behind the single observability.History interface the
// Recorder calls on every decision.
type historyMirror struct {
	history *observability.SQLiteHistory
	admin   *adminapi.Handler
}

func (m historyMirror) Record(ctx context.Context, entry observability.LogEntry) error {
	m.admin.Publish(entry)
	if m.history == nil {
		return nil
	}
	return m.history.Record(ctx, entry)
}

func historyCollaborator(history *observability.SQLiteHistory, admin *adminapi.Handler) observability.History {
	return historyMirror{history: history, admin: admin}
}

func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"shuma Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "shuma", "*.shuma.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
