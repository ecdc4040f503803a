package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/ai"
	cfgpkg "github.com/local/renewalcal/internal/config"
	"github.com/local/renewalcal/internal/converter"
	"github.com/local/renewalcal/internal/dispatcher"
	"github.com/local/renewalcal/internal/inference"
	"github.com/local/renewalcal/internal/limiter"
	logpkg "github.com/local/renewalcal/internal/logger"
	"github.com/local/renewalcal/internal/mailer"
	"github.com/local/renewalcal/internal/metrics"
	"github.com/local/renewalcal/internal/ocr"
	"github.com/local/renewalcal/internal/pipeline"
	"github.com/local/renewalcal/internal/queue"
	"github.com/local/renewalcal/internal/statuscheck"
	"github.com/local/renewalcal/internal/storage"
	"github.com/local/renewalcal/internal/store"
	"github.com/local/renewalcal/internal/textlayer"
	"github.com/local/renewalcal/internal/web"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	metrics.Init()

	ctx := context.Background()

	// Records
	dsn := cfg.Store.DSN
	if cfg.Store.Kind == "redis" && !strings.HasPrefix(dsn, "redis") {
		dsn = cfg.Queue.RedisURL
	}
	records, err := store.Open(ctx, cfg.Store.Kind, dsn)
	if err != nil {
		log.Fatal().Err(err).Str("kind", cfg.Store.Kind).Msg("failed to open record store")
	}
	defer records.Close()

	// Document bytes
	docs, err := storage.Open(ctx, cfg.Storage.Kind, cfg.Storage.Dir, storage.S3Config{
		Bucket:    cfg.Storage.S3Bucket,
		Prefix:    cfg.Storage.S3Prefix,
		Region:    cfg.Storage.S3Region,
		Endpoint:  cfg.Storage.S3Endpoint,
		AccessKey: cfg.Storage.S3AccessKey,
		SecretKey: cfg.Storage.S3SecretKey,
	})
	if err != nil {
		log.Fatal().Err(err).Str("kind", cfg.Storage.Kind).Msg("failed to open document storage")
	}
	if local, ok := docs.(*storage.Local); ok && cfg.Storage.RetainFor > 0 {
		go purgeLoop(local, cfg.Storage.RetainFor)
	}
	if cfg.Storage.EncryptionPassword != "" {
		docs = storage.NewEncrypted(docs, cfg.Storage.EncryptionPassword)
		log.Info().Msg("document encryption enabled")
	}

	// Redis is shared by the queue and the breaker when either needs it.
	var rdb *redis.Client
	if rs, ok := records.(*store.Redis); ok {
		rdb = rs.Client()
	} else if cfg.Queue.Async {
		opt, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	// Inference
	provider, err := ai.New(cfg.Inference.Provider, cfg.Inference.BaseURL, cfg.Inference.APIKey, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create inference client")
	}
	limits := limiter.Options{
		MaxInflight: cfg.Inference.MaxInflight,
		BaseBackoff: cfg.Inference.BreakerBase,
		MaxBackoff:  cfg.Inference.BreakerMax,
	}
	var breaker limiter.Breaker = limiter.NewMemoryBreaker(limits)
	if rdb != nil {
		breaker = limiter.NewRedisBreaker(rdb, limits)
	}
	guarded := limiter.NewGuard(provider, breaker, limits)
	infer := inference.New(guarded, inference.Config{
		Model:         cfg.Inference.Model,
		Timeout:       cfg.Inference.Timeout,
		MaxInputChars: cfg.Inference.MaxInputChars,
		MaxTokens:     cfg.Inference.MaxTokens,
		Temperature:   cfg.Inference.Temperature,
	})

	// Text layer and OCR fallback
	text, err := textlayer.New(cfg.Extraction.TextBackend)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create text extractor")
	}
	deps := pipeline.Dependencies{
		Store:     records,
		Documents: docs,
		Text:      text,
		Inference: infer,
	}
	ocrBinary := ""
	switch cfg.Extraction.OCREngine {
	case "tesseract":
		ocrBinary = cfg.Extraction.OCRBinary
		deps.OCR = newOCR(ocr.NewTesseract(cfg.Extraction.OCRBinary, cfg.Extraction.OCRLang), cfg)
	case "vision":
		model := cfg.Extraction.OCRVisionModel
		if model == "" {
			model = cfg.Inference.Model
		}
		visionLimits := limits
		visionLimits.Scope = "ocr"
		deps.OCR = newOCR(ocr.NewVision(limiter.NewGuard(provider, breaker, visionLimits), model), cfg)
	case "", "none":
		log.Warn().Msg("OCR disabled; image-only documents will fail with no_text")
	default:
		log.Fatal().Str("engine", cfg.Extraction.OCREngine).Msg("unknown OCR engine")
	}

	if cfg.Extraction.ConvertOffice {
		deps.Converter = converter.NewLibreOffice(converter.Config{
			Binary:     cfg.Extraction.SofficeBinary,
			Timeout:    cfg.Extraction.ConvertTimeout,
			MaxWorkers: cfg.Worker.Concurrency,
		})
	}

	// Async ingestion
	var rq *queue.RedisQueue
	if cfg.Queue.Async {
		rq, err = queue.NewRedisQueueFromClient(rdb, cfg.Queue.Stream, cfg.Queue.Group)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect ingest queue")
		}
		deps.Queue = rq
	}

	pipe := pipeline.New(deps, pipeline.Config{
		MinPageChars:    cfg.Extraction.MinPageChars,
		MaxSparseRatio:  cfg.Extraction.MaxSparseRatio,
		ReviewThreshold: cfg.Extraction.ReviewThreshold,
		Concurrency:     cfg.Worker.Concurrency,
		SaveText:        cfg.Storage.SaveText,
	})

	var worker *dispatcher.Worker
	if rq != nil {
		worker = dispatcher.New(dispatcher.Config{
			Concurrency: cfg.Worker.Concurrency,
			PollTimeout: cfg.Queue.PollTimeout,
			RunTimeout:  cfg.Worker.RunTimeout,
		}, rq, pipe)
		worker.Start()
	}

	var mail web.CalendarMailer
	if cfg.SMTP.Host != "" {
		mail = mailer.New(mailer.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			TLS:      cfg.SMTP.TLS,
			From:     cfg.SMTP.From,
		})
	}

	health := statuscheck.Options{
		OCRBinary: ocrBinary,
		Converter: converterBinary(cfg),
		Provider:  cfg.Inference.Provider,
		APIKey:    cfg.Inference.APIKey,
	}
	if p, ok := records.(statuscheck.Pinger); ok {
		health.Store = p
	}
	if p, ok := docs.(statuscheck.Pinger); ok {
		health.Documents = p
	}
	if rq != nil {
		health.Queue = rq
	}

	srvHandler := web.New(web.Dependencies{
		Pipeline:  pipe,
		Store:     records,
		Documents: docs,
		Mailer:    mail,
		Health:    statuscheck.New(health),
		Metrics:   metrics.Handler(),
	}, web.Options{
		Async:               cfg.Queue.Async,
		CalendarName:        cfg.Calendar.Name,
		DefaultReminderDays: cfg.Calendar.ReminderDays,
		MaxUploadBytes:      int64(cfg.Server.MaxUploadMB) << 20,
	}).Router()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srvHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("port", cfg.Server.Port).
			Str("store", cfg.Store.Kind).
			Str("storage", cfg.Storage.Kind).
			Str("ocr", cfg.Extraction.OCREngine).
			Str("provider", cfg.Inference.Provider).
			Bool("async", cfg.Queue.Async).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if worker != nil {
		if err := worker.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("workers did not finish before shutdown deadline")
		}
	}
	log.Info().Msg("shutdown complete")
}

func newOCR(rec ocr.Recognizer, cfg cfgpkg.Config) *ocr.Engine {
	return ocr.NewEngine(ocr.FitzRasterizer{}, rec, ocr.Config{
		DPI:          cfg.Extraction.OCRDPI,
		PageTimeout:  cfg.Extraction.OCRPageTimeout,
		MinPageChars: cfg.Extraction.MinPageChars,
	})
}

func converterBinary(cfg cfgpkg.Config) string {
	if !cfg.Extraction.ConvertOffice {
		return ""
	}
	return cfg.Extraction.SofficeBinary
}

func purgeLoop(local *storage.Local, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		local.Purge(maxAge)
	}
}
