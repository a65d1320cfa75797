package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/assertion"
	"github.com/veriflow-labs/veriflow-go/internal/dispatch"
	"github.com/veriflow-labs/veriflow-go/internal/execution/engine"
	"github.com/veriflow-labs/veriflow-go/internal/execution/validators"
	"github.com/veriflow-labs/veriflow-go/internal/platform/auth"
	"github.com/veriflow-labs/veriflow-go/internal/platform/env"
	"github.com/veriflow-labs/veriflow-go/internal/platform/httpserver"
	"github.com/veriflow-labs/veriflow-go/internal/platform/k8s"
	platformstore "github.com/veriflow-labs/veriflow-go/internal/platform/objectstore"
	"github.com/veriflow-labs/veriflow-go/internal/platform/postgres"
	repopg "github.com/veriflow-labs/veriflow-go/internal/repo/postgres"
	"github.com/veriflow-labs/veriflow-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("VERIFLOW_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("VERIFLOW_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := platformstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	runStore, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}

	callbackSecret := strings.TrimSpace(env.String("VERIFLOW_CALLBACK_SECRET", ""))
	if callbackSecret == "" {
		logger.Error("missing callback secret", "env", "VERIFLOW_CALLBACK_SECRET")
		os.Exit(2)
	}
	callbackMaxSkew, err := env.Duration("VERIFLOW_CALLBACK_MAX_SKEW", 5*time.Minute)
	if err != nil {
		logger.Error("invalid callback max skew", "error", err)
		os.Exit(2)
	}

	var identityVerifier *auth.ServiceIdentityVerifier
	oidcIssuer := strings.TrimSpace(env.String("VERIFLOW_OIDC_ISSUER_URL", ""))
	if oidcIssuer != "" {
		verifier, err := auth.NewServiceIdentityVerifier(ctx, auth.OIDCConfig{
			IssuerURL:       oidcIssuer,
			Audience:        env.String("VERIFLOW_OIDC_AUDIENCE", "veriflow-validationd"),
			AllowedSubjects: splitCSV(env.String("VERIFLOW_OIDC_ALLOWED_SUBJECTS", "")),
		})
		if err != nil {
			logger.Error("oidc verifier init failed", "error", err)
			os.Exit(2)
		}
		identityVerifier = verifier
	}

	dispatcher, err := buildDispatcher(logger)
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		os.Exit(2)
	}

	costLimit, err := env.Uint64("VERIFLOW_EXPRESSION_COST_LIMIT", 0)
	if err != nil {
		logger.Error("invalid expression cost limit", "error", err)
		os.Exit(2)
	}
	evaluator, err := assertion.NewEvaluator(costLimit)
	if err != nil {
		logger.Error("expression evaluator init failed", "error", err)
		os.Exit(2)
	}

	stepDeadline, err := env.Duration("VERIFLOW_STEP_DEADLINE", 15*time.Minute)
	if err != nil {
		logger.Error("invalid step deadline", "error", err)
		os.Exit(2)
	}

	eng, err := engine.New(engine.Config{
		Runs:         repopg.NewRunStore(db),
		Steps:        repopg.NewStepRunStore(db),
		Receipts:     repopg.NewReceiptStore(db),
		Findings:     repopg.NewFindingStore(db),
		Submissions:  repopg.NewSubmissionStore(db),
		Dispatcher:   dispatcher,
		Registry:     validators.NewRegistry(),
		Evaluator:    evaluator,
		Store:        runStore,
		Bucket:       storeCfg.BucketRuns,
		StepDeadline: stepDeadline,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("validationd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"validationd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return platformstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newValidationAPI(logger, db, eng, repopg.NewRunStore(db))
	api.register(mux)

	callbacks := newCallbackAPI(logger, db, eng, callbackSecret, callbackMaxSkew, identityVerifier)
	callbacks.register(mux)

	syncInterval, err := env.Duration("VERIFLOW_DEADLINE_SYNC_INTERVAL", 15*time.Second)
	if err != nil {
		logger.Error("invalid deadline sync interval", "error", err)
		os.Exit(2)
	}
	receiptRetention, err := env.Duration("VERIFLOW_RECEIPT_RETENTION", 7*24*time.Hour)
	if err != nil {
		logger.Error("invalid receipt retention", "error", err)
		os.Exit(2)
	}
	startDeadlineSyncer(ctx, logger, eng, syncInterval, receiptRetention)

	cfg := httpserver.Config{
		Service:         "validationd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "validationd", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildDispatcher(logger *slog.Logger) (dispatch.Dispatcher, error) {
	mode := strings.ToLower(strings.TrimSpace(env.String("VERIFLOW_DISPATCHER", "disabled")))
	switch mode {
	case "", "disabled":
		// Dispatched validator kinds fail with a system error until a real
		// substrate is configured. Local document validators still work.
		logger.Warn("job dispatcher disabled; dispatched validators will not run")
		return &dispatch.RecordingDispatcher{Err: errors.New("job dispatcher disabled")}, nil
	case "kubernetes", "k8s":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		namespace := strings.TrimSpace(env.String("VERIFLOW_K8S_NAMESPACE", ""))
		if namespace == "" {
			namespace = client.Namespace()
		}
		jobTTLSeconds, err := env.Int("VERIFLOW_K8S_JOB_TTL_SECONDS", 3600)
		if err != nil {
			return nil, err
		}
		callbackURL := strings.TrimSpace(env.String("VERIFLOW_CALLBACK_URL", ""))
		if callbackURL == "" {
			return nil, errors.New("VERIFLOW_CALLBACK_URL is required for the kubernetes dispatcher")
		}
		jobServiceAccount := env.String("VERIFLOW_K8S_JOB_SERVICE_ACCOUNT", "")
		return dispatch.NewKubernetesJobDispatcher(client, namespace, callbackURL, int32(jobTTLSeconds), jobServiceAccount)
	default:
		return nil, errors.New("unsupported dispatcher mode: " + mode)
	}
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
