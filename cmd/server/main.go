// Package main implements the app-lease server: a single-active-instance
// lease coordinator gating a partition-processing subsystem.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Shavakan/app-lease/pkg/config"
	"github.com/Shavakan/app-lease/pkg/coordinator"
	"github.com/Shavakan/app-lease/pkg/lease"
	"github.com/Shavakan/app-lease/pkg/logging"
	"github.com/Shavakan/app-lease/pkg/metrics"
	"github.com/Shavakan/app-lease/pkg/partition"
	"github.com/Shavakan/app-lease/pkg/queue"
	"github.com/Shavakan/app-lease/pkg/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const shutdownTimeout = 30 * time.Second

func initLeaseStore(awsCfg aws.Config, cfg *config.Config) (lease.Store, func(), error) {
	switch cfg.LeaseBackend {
	case "valkey":
		store := lease.NewValkeyStore(lease.ValkeyConfig{
			Addr:           cfg.ValkeyAddr,
			Password:       cfg.ValkeyPassword,
			DB:             cfg.ValkeyDB,
			LeaseName:      cfg.AppName,
			ExtendDuration: cfg.LeaseInterval,
		})
		log.Printf("Using Valkey lease store at %s", cfg.ValkeyAddr)
		return store, func() { _ = store.Close() }, nil
	case "dynamodb":
		store := lease.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), lease.DynamoConfig{
			TableName:      cfg.LeaseTableName,
			LeaseName:      cfg.AppName,
			ExtendDuration: cfg.LeaseInterval,
		})
		log.Printf("Using DynamoDB lease store: table=%s", cfg.LeaseTableName)
		return store, func() {}, nil
	default:
		return nil, nil, errors.New("unknown lease backend: " + cfg.LeaseBackend)
	}
}

func initPartitionFeed(awsCfg aws.Config, cfg *config.Config) (queue.Queue, func(), error) {
	switch cfg.QueueBackend {
	case "valkey":
		client, err := queue.NewValkeyClient(queue.ValkeyConfig{
			Addr:     cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			Stream:   cfg.ValkeyStream,
			Group:    "partition-workers",
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using Valkey partition feed: stream=%s", cfg.ValkeyStream)
		return client, func() { _ = client.Close() }, nil
	case "sqs":
		client := queue.NewSQSClient(awsCfg, cfg.QueueURL)
		log.Printf("Using SQS partition feed: %s", cfg.QueueURL)
		return client, func() {}, nil
	default:
		return nil, nil, errors.New("unknown queue backend: " + cfg.QueueBackend)
	}
}

func initPartitionManager(awsCfg aws.Config, cfg *config.Config, pub metrics.Publisher) (partition.Manager, func(), error) {
	if cfg.QueueBackend == "" {
		log.Println("No partition feed configured, using no-op partition manager")
		return partition.Noop{}, func() {}, nil
	}

	feed, closeFeed, err := initPartitionFeed(awsCfg, cfg)
	if err != nil {
		return nil, nil, err
	}

	tracer := tracing.NewLeaseTracer()
	processor := func(ctx context.Context, work queue.WorkMessage) error {
		_, span := tracer.StartPartitionSpan(ctx, work.PartitionID, work.Sequence)
		defer span.End()

		// Reference processor: the real partition work is supplied by the
		// embedding deployment. Here the work item is only logged.
		log.Printf("Processed partition work: partition=%s sequence=%d", work.PartitionID, work.Sequence)
		return nil
	}

	return partition.NewStreamManager(feed, processor, pub, cfg.PartitionWorkers), closeFeed, nil
}

func initMetrics(awsCfg aws.Config, cfg *config.Config) (metrics.Publisher, http.Handler) {
	var publishers []metrics.Publisher
	var prometheusHandler http.Handler

	for _, backend := range strings.Split(cfg.MetricsBackend, ",") {
		switch strings.TrimSpace(backend) {
		case "prometheus":
			prom := metrics.NewPrometheusPublisher(metrics.PrometheusConfig{})
			publishers = append(publishers, prom)
			prometheusHandler = prom.Handler()
			log.Println("Prometheus metrics enabled")
		case "datadog":
			dd, err := metrics.NewDatadogPublisher(metrics.DatadogConfig{Address: cfg.DatadogAddr})
			if err != nil {
				log.Printf("WARNING: Failed to create Datadog metrics publisher: %v (continuing without Datadog)", err)
				continue
			}
			publishers = append(publishers, dd)
			log.Printf("Datadog metrics enabled (addr: %s)", cfg.DatadogAddr)
		case "cloudwatch":
			publishers = append(publishers, metrics.NewCloudWatchPublisher(awsCfg))
			log.Println("CloudWatch metrics enabled")
		case "":
		default:
			log.Printf("WARNING: Unknown metrics backend %q ignored", backend)
		}
	}

	if len(publishers) == 0 {
		log.Println("No metrics backends enabled")
		return metrics.NoopPublisher{}, nil
	}
	if len(publishers) == 1 {
		return publishers[0], prometheusHandler
	}
	return metrics.NewMultiPublisher(publishers...), prometheusHandler
}

func newMux(cfg *config.Config, coord *coordinator.Coordinator, prometheusHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.UseAppLease && !coord.IsLeaseOwner() {
			http.Error(w, "not lease owner", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if prometheusHandler != nil {
		mux.Handle("/metrics", prometheusHandler)
	}

	mux.HandleFunc("/admin/lease/swap", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, span := tracing.StartSpan(r.Context(), "force_change_lease")
		defer span.End()

		err := coord.ForceChangeLease(ctx)
		switch {
		case errors.Is(err, coordinator.ErrDisabled), errors.Is(err, coordinator.ErrAlreadyOwner):
			tracing.RecordError(ctx, err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			tracing.RecordError(ctx, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":      "swap requested",
			"swap_target": coord.Identity().String(),
		})
	})

	return mux
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logging.Init()
	log.Println("Starting app-lease server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)

	traceProvider, err := tracing.Init(ctx, tracing.LoadConfig())
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}

	metricsPublisher, prometheusHandler := initMetrics(awsCfg, cfg)

	store, closeStore, err := initLeaseStore(awsCfg, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize lease store: %v", err)
	}
	defer closeStore()

	partitionManager, closeFeed, err := initPartitionManager(awsCfg, cfg, metricsPublisher)
	if err != nil {
		log.Fatalf("Failed to initialize partition manager: %v", err)
	}
	defer closeFeed()

	coord := coordinator.New(coordinator.Config{
		AppName:                      cfg.AppName,
		Enabled:                      cfg.UseAppLease,
		UseLegacyPartitionManagement: cfg.UseLegacyPartitionManagement,
		AcquireInterval:              cfg.AcquireInterval,
		RenewInterval:                cfg.RenewInterval,
		LeaseInterval:                cfg.LeaseInterval,
		MaxTransientRenewFailures:    cfg.MaxTransientRenewFailures,
	}, store, partitionManager, metricsPublisher)

	if cfg.UseAppLease {
		created, err := coord.CreateResourcesIfMissing(ctx)
		if err != nil {
			log.Fatalf("Failed to ensure lease resources: %v", err)
		}
		if created {
			log.Println("Created lease resources")
		}
	}

	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newMux(cfg, coord, prometheusHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, gracefully stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := coord.Stop(shutdownCtx); err != nil {
		log.Printf("Coordinator shutdown failed: %v", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}

	if err := metricsPublisher.Close(); err != nil {
		log.Printf("Metrics publisher close failed: %v", err)
	}

	if err := traceProvider.Shutdown(shutdownCtx); err != nil {
		log.Printf("Trace provider shutdown failed: %v", err)
	}

	log.Println("Server stopped")
}
