// Command chatbot runs the Mimétisa WhatsApp commerce assistant.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Insuapliques/Chatbot/internal/api"
	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/catalog"
	"github.com/Insuapliques/Chatbot/internal/conversation"
	"github.com/Insuapliques/Chatbot/internal/genai"
	"github.com/Insuapliques/Chatbot/internal/handoff"
	"github.com/Insuapliques/Chatbot/internal/lockfile"
	"github.com/Insuapliques/Chatbot/internal/media"
	"github.com/Insuapliques/Chatbot/internal/messaging"
	"github.com/Insuapliques/Chatbot/internal/store"
	"github.com/Insuapliques/Chatbot/internal/twiliowhatsapp"
	"github.com/Insuapliques/Chatbot/internal/util"
	"github.com/Insuapliques/Chatbot/internal/whatsapp"
)

// Default configuration constants.
const (
	// DefaultStateDir is the default directory for chatbot state data.
	DefaultStateDir = "/var/lib/chatbot"
	// DefaultDBFileName is the default SQLite database filename.
	DefaultDBFileName = "chatbot.db"
)

// Config holds environment configuration.
type Config struct {
	DatabaseDSN   string
	StateDir      string
	Provider      string
	OpenAIKey     string
	APIAddr       string
	AMQPURL       string
	AMQPExchange  string
	GCSBucket     string
	GraphToken    string
	GraphVersion  string
	ResendMax     int
	ResendCool    time.Duration
	ThrottleWin   time.Duration
	CatalogTTL    time.Duration
	AgentTimeout  time.Duration
	HistoryLimit  int
	DebugLogging  bool
	TwilioFrom    string
	TwilioSID     string
	TwilioToken   string
	WhatsAppDBDSN string
}

func main() {
	cfg := loadEnvironmentConfig()
	initializeLogger(cfg.DebugLogging)

	qrOutput := flag.String("qr-output", "", "path to write login QR code")
	numeric := flag.Bool("numeric-code", false, "use numeric login code instead of QR code")
	stateDir := flag.String("state-dir", cfg.StateDir, "state directory for chatbot data (overrides $CHATBOT_STATE_DIR)")
	dbDSN := flag.String("db-dsn", cfg.DatabaseDSN, "database DSN (overrides $DATABASE_DSN)")
	provider := flag.String("provider", cfg.Provider, "messaging provider: whatsmeow or twilio (overrides $MESSAGING_PROVIDER)")
	apiAddr := flag.String("api-addr", cfg.APIAddr, "admin API address (overrides $API_ADDR)")
	flag.Parse()

	if *dbDSN == "" {
		*dbDSN = filepath.Join(*stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *dbDSN)
	}

	lock, err := lockfile.AcquireLock(*stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(*dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, twilioSvc, err := buildMessagingService(cfg, *provider, *dbDSN, *qrOutput, *numeric)
	if err != nil {
		slog.Error("Failed to initialize messaging provider", "provider", *provider, "error", err)
		os.Exit(1)
	}

	auditSink := buildAuditSink(cfg, st)

	matcher := catalog.NewMatcher(catalog.NewStoreSource(st), catalog.WithCacheTTL(cfg.CatalogTTL))
	dispatcher := catalog.NewDispatcher(matcher, st, auditSink, svc,
		catalog.WithResendPolicy(cfg.ResendMax, cfg.ResendCool))
	machine := conversation.NewMachine(st, auditSink, svc,
		conversation.WithThrottleWindow(cfg.ThrottleWin))
	gate := handoff.NewGate(st, auditSink, svc)
	dedup := conversation.NewDeduper(auditSink)

	agent, err := genai.NewClient(
		genai.WithAPIKey(cfg.OpenAIKey),
		genai.WithTimeout(cfg.AgentTimeout),
	)
	if err != nil {
		slog.Error("Failed to initialize GenAI client", "error", err)
		os.Exit(1)
	}

	orchOpts := []conversation.OrchestratorOption{
		conversation.WithHistoryLimit(cfg.HistoryLimit),
	}
	if cfg.GCSBucket != "" {
		uploader, err := media.NewGCSStore(ctx, cfg.GCSBucket,
			media.WithFetcher(media.NewGraphFetcher(cfg.GraphToken, cfg.GraphVersion)))
		if err != nil {
			slog.Error("Failed to initialize media store", "bucket", cfg.GCSBucket, "error", err)
			os.Exit(1)
		}
		orchOpts = append(orchOpts, conversation.WithMediaUploader(uploader))
	} else {
		slog.Info("No GCS bucket configured, inbound media will keep provider URLs only")
	}

	orch := conversation.NewOrchestrator(st, dedup, dispatcher, machine, agent, svc, auditSink, orchOpts...)

	if err := svc.Start(ctx); err != nil {
		slog.Error("Failed to start messaging service", "error", err)
		os.Exit(1)
	}
	defer svc.Stop()

	go func() {
		for msg := range svc.Inbound() {
			go orch.HandleInbound(ctx, msg)
		}
	}()

	server := api.NewServer(st, gate, matcher, svc)
	if twilioSvc != nil {
		server.Mux().HandleFunc("POST /webhook/twilio", twilioSvc.TwilioWebhookHandler)
	}
	go func() {
		if err := server.Run(*apiAddr); err != nil {
			slog.Error("Admin API server failed", "error", err)
			stop()
		}
	}()

	slog.Info("Chatbot running", "provider", *provider, "api_addr", *apiAddr)
	<-ctx.Done()

	slog.Info("Shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		slog.Error("Failed to shut down API server", "error", err)
	}
}

func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := Config{
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		StateDir:      os.Getenv("CHATBOT_STATE_DIR"),
		Provider:      os.Getenv("MESSAGING_PROVIDER"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		AMQPExchange:  os.Getenv("AMQP_EXCHANGE"),
		GCSBucket:     os.Getenv("GCS_BUCKET"),
		GraphToken:    os.Getenv("WHATSAPP_GRAPH_TOKEN"),
		GraphVersion:  os.Getenv("WHATSAPP_GRAPH_VERSION"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		ResendMax:     util.ParseIntEnv("CATALOG_RESEND_MAX_ATTEMPTS", catalog.DefaultResendMaxAttempts),
		ResendCool:    util.ParseDurationEnv("CATALOG_RESEND_COOLDOWN", catalog.DefaultResendCooldown),
		ThrottleWin:   util.ParseDurationEnv("INTENT_THROTTLE_WINDOW", conversation.DefaultThrottleWindow),
		CatalogTTL:    util.ParseDurationEnv("CATALOG_CACHE_TTL", catalog.DefaultCacheTTL),
		AgentTimeout:  util.ParseDurationEnv("AGENT_TIMEOUT", genai.DefaultTimeout),
		HistoryLimit:  util.ParseIntEnv("AGENT_HISTORY_LIMIT", conversation.DefaultHistoryLimit),
		DebugLogging:  util.ParseBoolEnv("DEBUG", false),
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.Provider == "" {
		cfg.Provider = "whatsmeow"
	}
	return cfg
}

func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService selects the outbound/inbound provider. The Twilio
// service is returned separately so its webhook can be mounted on the admin
// mux.
func buildMessagingService(cfg Config, provider, dbDSN, qrOutput string, numeric bool) (messaging.Service, *messaging.TwilioService, error) {
	switch strings.ToLower(provider) {
	case "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, err
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	default:
		waDSN := cfg.WhatsAppDBDSN
		if waDSN == "" {
			waDSN = dbDSN
		}
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(waDSN)}
		if qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(qrOutput))
		}
		if numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	}
}

// buildAuditSink always records to the store; AMQP fan-out is added when
// configured.
func buildAuditSink(cfg Config, st store.Store) audit.Sink {
	sinks := audit.MultiSink{audit.NewStoreSink(st)}
	if cfg.AMQPURL != "" {
		amqpSink, err := audit.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			slog.Error("Failed to connect audit sink to AMQP, continuing with store only", "error", err)
		} else {
			sinks = append(sinks, amqpSink)
		}
	}
	return sinks
}
