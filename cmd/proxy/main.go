package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"protero/internal/config"
	"protero/internal/domain"
	"protero/internal/interface/handler"
	"protero/internal/interface/repository/certificate"
	"protero/internal/interface/repository/logger"
	"protero/internal/interface/repository/metrics"
	"protero/internal/interface/repository/policy"
	"protero/internal/interface/server"
	"protero/internal/usecase"
)

func main() {
	// コンフィグの解析
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// ディレクトリの準備
	if err := prepareDirectories(cfg); err != nil {
		fmt.Printf("Failed to prepare directories: %v\n", err)
		os.Exit(1)
	}

	// ロガーの初期化
	loggerRepo, err := logger.New(
		cfg.LogDir,
		"proxy.log",
		rotationConfig(cfg),
	)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer loggerRepo.Close()
	loggerRepo.SetLevel(logger.ParseLevel(cfg.LogLevel))
	loggerRepo.SetFormat(logger.ParseFormat(cfg.LogFormat))

	if err := run(cfg, loggerRepo); err != nil {
		loggerRepo.Error("Proxy terminated", err, nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, loggerRepo *logger.Repository) error {
	// メトリクスの初期化
	metricsFile := filepath.Join(cfg.LogDir, "metrics.json")
	metricsCollector := metrics.New(metricsFile)
	metricsUseCase := usecase.NewMetricsUseCase(
		metricsCollector,
		loggerRepo,
		usecase.MetricsConfig{SaveInterval: cfg.MetricsSaveInterval},
	)
	metricsUseCase.Start()
	defer metricsUseCase.Stop()

	// 復号ポリシーの初期化
	var intercept domain.InterceptPolicy
	if cfg.InterceptRules != "" {
		rules, err := policy.New(cfg.InterceptRules, policy.DefaultReloadInterval, loggerRepo)
		if err != nil {
			return fmt.Errorf("failed to load intercept rules: %w", err)
		}
		defer rules.Close()
		intercept = rules
	}

	customCA, err := cfg.CustomCA()
	if err != nil {
		return err
	}

	var signer certificate.Signer
	if cfg.Signer == config.SignerNative {
		signer = certificate.Native{}
	} else {
		signer = certificate.NewOpenSSL(cfg.OpenSSL)
	}

	// プロキシサーバーの作成
	proxyServer, err := server.New(server.Options{
		Port:               cfg.Port,
		CertPath:           cfg.CertPath,
		HTTPS:              cfg.HTTPS,
		Intercept:          intercept,
		RejectUnauthorized: cfg.RejectUnauthorized,
		CustomCA:           customCA,
		Signer:             signer,
		KeyBits:            cfg.KeyBits,
		CAValidityDays:     cfg.CAValidityDays,
		LeafValidityDays:   cfg.LeafValidityDays,
		ListenerIdle:       cfg.ListenerIdleTimeout,
		AcceptRate:         cfg.AcceptRate,
		AcceptBurst:        cfg.AcceptBurst,
		DecodeResponses:    cfg.DecodeResponses,
		Logger:             loggerRepo,
		Metrics:            metricsCollector,
	})
	if err != nil {
		return err
	}

	proxyServer.Subscribe(handler.Events{
		Connect: func(t *domain.Tunnel) {
			loggerRepo.Debug("CONNECT", map[string]interface{}{
				"target":      t.Target(),
				"intercepted": t.Intercepted,
				"interrupted": t.Interrupted,
			})
		},
		Open: func(ex *usecase.Exchange) {
			loggerRepo.Debug("Exchange opened", map[string]interface{}{
				"id":     ex.ID(),
				"method": ex.Request().Method,
				"url":    ex.URL(),
			})
		},
	})

	// シャットダウンハンドラの設定
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	// サーバーの起動
	if err := proxyServer.Start(ctx); err != nil {
		return err
	}
	if cfg.HTTPS {
		loggerRepo.Info("Root CA ready", map[string]interface{}{
			"cert": proxyServer.CACertPath(),
			"key":  proxyServer.CAKeyPath(),
		})
	}

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsHandler := handler.NewMetricsHandler(metricsUseCase, loggerRepo)
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: metricsHandler.Routes(),
		}
		go func() {
			loggerRepo.Info("Starting metrics server", map[string]interface{}{"port": cfg.MetricsPort})
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				loggerRepo.Error("Metrics server error", err, nil)
				cancel()
			}
		}()
	}

	// シグナル待機
	select {
	case <-signalChan:
		loggerRepo.Info("Shutdown signal received", nil)
	case <-ctx.Done():
		loggerRepo.Info("Shutdown initiated", nil)
	}

	// グレースフルシャットダウン
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Stop(shutdownCtx); err != nil {
		loggerRepo.Error("Error shutting down proxy server", err, nil)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			loggerRepo.Error("Error shutting down metrics server", err, nil)
		}
	}

	loggerRepo.Info("Shutdown complete", nil)
	return nil
}

// parseConfig は設定ファイルを読み込み, 指定されたフラグで上書きする
func parseConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	configFile := fs.String("config", "", "YAML configuration file")

	def := config.Default()
	port := fs.Int("port", def.Port, "Proxy server port")
	metricsPort := fs.Int("metrics-port", def.MetricsPort, "Metrics server port (0 disables)")
	certPath := fs.String("cert-path", def.CertPath, "Root CA and certificate directory")
	https := fs.Bool("https", def.HTTPS, "Intercept CONNECT tunnels")
	rules := fs.String("intercept-rules", def.InterceptRules, "Intercept rule file")
	reject := fs.Bool("reject-unauthorized", def.RejectUnauthorized, "Verify upstream TLS certificates")
	signer := fs.String("signer", def.Signer, "Certificate signer (openssl|native)")
	openssl := fs.String("openssl", def.OpenSSL, "Path to the openssl executable")
	decode := fs.Bool("decode-responses", def.DecodeResponses, "Decode compressed responses before hooks")
	logDir := fs.String("log-dir", def.LogDir, "Log directory")
	logLevel := fs.String("log-level", def.LogLevel, "Log level (debug|info|warn|error)")
	logFormat := fs.String("log-format", def.LogFormat, "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}

	// 明示されたフラグだけを設定ファイルより優先する
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "metrics-port":
			cfg.MetricsPort = *metricsPort
		case "cert-path":
			cfg.CertPath = *certPath
		case "https":
			cfg.HTTPS = *https
		case "intercept-rules":
			cfg.InterceptRules = *rules
		case "reject-unauthorized":
			cfg.RejectUnauthorized = *reject
		case "signer":
			cfg.Signer = *signer
		case "openssl":
			cfg.OpenSSL = *openssl
		case "decode-responses":
			cfg.DecodeResponses = *decode
		case "log-dir":
			cfg.LogDir = *logDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rotationConfig は設定ファイルのローテーション設定を変換する
func rotationConfig(cfg *config.Config) *logger.RotationConfig {
	return &logger.RotationConfig{
		MaxSize:    int64(cfg.LogMaxSizeMB) * 1024 * 1024,
		MaxAge:     cfg.LogMaxAge,
		MaxBackups: cfg.LogMaxBackups,
	}
}

func prepareDirectories(cfg *config.Config) error {
	dirs := []string{cfg.LogDir}
	if cfg.HTTPS {
		dirs = append(dirs, cfg.CertPath)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	return nil
}
