// Package cli defines the bulkflow command tree: a worker node runner plus
// client commands for submitting and inspecting jobs.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/internal/controller"
	"github.com/ChuLiYu/bulkflow/internal/export"
	"github.com/ChuLiYu/bulkflow/internal/lock"
	"github.com/ChuLiYu/bulkflow/internal/logging"
	"github.com/ChuLiYu/bulkflow/internal/metrics"
	"github.com/ChuLiYu/bulkflow/internal/queue"
	"github.com/ChuLiYu/bulkflow/internal/recovery"
	"github.com/ChuLiYu/bulkflow/internal/service"
	"github.com/ChuLiYu/bulkflow/internal/storage"
	"github.com/ChuLiYu/bulkflow/internal/store"
	"github.com/ChuLiYu/bulkflow/internal/upsert"
	"github.com/ChuLiYu/bulkflow/internal/worker"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// NewRootCmd builds the bulkflow command tree.
func NewRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "bulkflow",
		Short:         "Asynchronous bulk import/export job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(
		newRunCmd(&configPath),
		newImportCmd(&configPath),
		newExportCmd(&configPath),
		newStatusCmd(&configPath),
		newCancelCmd(&configPath),
	)
	return root
}

// runtime holds every wired component for a command invocation.
type runtime struct {
	cfg       *config.Config
	log       *zap.Logger
	db        *sql.DB
	rdb       *redis.Client
	objects   *storage.Client
	jobs      *store.Store
	queue     *queue.RedisQueue
	locks     *lock.Manager
	svc       *service.Service
	collector *metrics.Collector
}

func newRuntime(configPath string, withMetrics bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	objects, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, err
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	jobs := store.New(db, log)
	q := queue.New(rdb, cfg.Queue, log)
	locks := lock.NewManager(rdb, nodeID, log)
	svc := service.New(jobs, q, objects, cfg.Pipeline, log)

	rt := &runtime{
		cfg:     cfg,
		log:     log,
		db:      db,
		rdb:     rdb,
		objects: objects,
		jobs:    jobs,
		queue:   q,
		locks:   locks,
		svc:     svc,
	}
	if withMetrics {
		rt.collector = metrics.NewCollector(prometheus.DefaultRegisterer)
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.db != nil {
		rt.db.Close()
	}
	if rt.rdb != nil {
		rt.rdb.Close()
	}
	if rt.log != nil {
		rt.log.Sync() //nolint:errcheck // stderr sync fails on some platforms
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, true)
			if err != nil {
				return err
			}
			defer rt.close()
			return runNode(rt)
		},
	}
}

func runNode(rt *runtime) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := rt.log
	cfg := rt.cfg

	upserts := upsert.NewEngine(rt.db, log)
	querier := export.NewQuerier(rt.db, cfg.Pipeline.BatchSize)

	imports := controller.NewImportController(rt.jobs, rt.objects, upserts, rt.locks,
		rt.collector, nil, cfg.Pipeline, cfg.Worker.LockTTL, log)
	exports := controller.NewExportController(rt.jobs, querier, rt.objects, rt.locks,
		rt.collector, cfg.Pipeline, cfg.Worker.LockTTL, log)
	dispatcher := controller.NewDispatcher(imports, exports, log)

	pool := worker.NewPool(rt.queue, dispatcher.Handle, cfg.Worker.Slots, rt.collector, log)
	sweeper := recovery.NewSweeper(rt.jobs, rt.locks, rt.queue, rt.collector, cfg.Recovery, log)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	pool.Start(ctx)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	log.Info("node running", zap.String("node_id", rt.locks.NodeID()))

	<-ctx.Done()
	log.Info("shutting down")

	pool.Stop()
	sweeper.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort drain
	}
	return nil
}

func newImportCmd(configPath *string) *cobra.Command {
	var (
		resource string
		file     string
		url      string
		format   string
		idemKey  string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Submit a bulk import job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (url == "") {
				return errors.New("exactly one of --file or --url is required")
			}
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			var job *types.ImportJob
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				job, err = rt.svc.StageImportFile(ctx, service.CreateImportParams{
					ResourceType:   resource,
					FileName:       file,
					Format:         format,
					IdempotencyKey: idemKey,
				}, f)
				if err != nil {
					return err
				}
			} else {
				job, err = rt.svc.CreateImport(ctx, service.CreateImportParams{
					ResourceType:   resource,
					FileURL:        url,
					FileName:       url,
					Format:         format,
					IdempotencyKey: idemKey,
				})
				if err != nil {
					return err
				}
			}
			fmt.Printf("import job %s created (%s, %s)\n", job.ID, job.ResourceType, job.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "resource type: users, articles, comments")
	cmd.Flags().StringVarP(&file, "file", "f", "", "local file to stage and import")
	cmd.Flags().StringVarP(&url, "url", "u", "", "source URL to import from")
	cmd.Flags().StringVar(&format, "format", "", "file format: json, ndjson, csv (detected from filename when omitted)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "idempotency key for safe re-submission")
	cmd.MarkFlagRequired("resource") //nolint:errcheck // flag exists
	return cmd
}

func newExportCmd(configPath *string) *cobra.Command {
	var (
		resource string
		format   string
		fields   string
		filters  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Submit a bulk export job",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			var f types.ExportFilters
			if filters != "" {
				if err := json.Unmarshal([]byte(filters), &f); err != nil {
					return fmt.Errorf("parse --filters: %w", err)
				}
			}
			var fieldList []string
			if fields != "" {
				for _, s := range strings.Split(fields, ",") {
					if s = strings.TrimSpace(s); s != "" {
						fieldList = append(fieldList, s)
					}
				}
			}
			job, err := rt.svc.CreateExport(cmd.Context(), service.CreateExportParams{
				ResourceType: resource,
				Format:       format,
				Filters:      f,
				Fields:       fieldList,
			})
			if err != nil {
				return err
			}
			fmt.Printf("export job %s created (%s -> %s)\n", job.ID, job.ResourceType, job.Format)
			return nil
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "resource type: users, articles, comments")
	cmd.Flags().StringVar(&format, "format", "ndjson", "artifact format: json, ndjson, csv")
	cmd.Flags().StringVar(&fields, "fields", "", "comma-separated columns to export")
	cmd.Flags().StringVar(&filters, "filters", "", "filters as a JSON object")
	cmd.MarkFlagRequired("resource") //nolint:errcheck // flag exists
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse job id: %w", err)
			}
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			switch kind {
			case "import":
				job, err := rt.svc.GetImport(ctx, id)
				if err != nil {
					return err
				}
				printImport(job)
			case "export":
				job, err := rt.svc.GetExport(ctx, id)
				if err != nil {
					return err
				}
				printExport(job)
			default:
				return fmt.Errorf("unknown kind %q, want import or export", kind)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "import", "job kind: import or export")
	return cmd
}

func newCancelCmd(configPath *string) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parse job id: %w", err)
			}
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			var status types.JobStatus
			switch kind {
			case "import":
				job, err := rt.svc.CancelImport(ctx, id)
				if err != nil {
					return err
				}
				status = job.Status
			case "export":
				job, err := rt.svc.CancelExport(ctx, id)
				if err != nil {
					return err
				}
				status = job.Status
			default:
				return fmt.Errorf("unknown kind %q, want import or export", kind)
			}
			fmt.Printf("job %s is now %s\n", id, status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "import", "job kind: import or export")
	return cmd
}

func printImport(job *types.ImportJob) {
	fmt.Printf("import %s  %s  %s\n", job.ID, job.ResourceType, job.Status)
	fmt.Printf("  rows: %d processed, %d ok, %d failed, %d skipped (total %d)\n",
		job.Processed, job.Successful, job.Failed, job.Skipped, job.Total)
	if job.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", job.ErrorMessage)
	}
	for _, e := range job.Errors {
		if e.Field != "" {
			fmt.Printf("  row %d [%s]: %s\n", e.Row, e.Field, e.Message)
		} else {
			fmt.Printf("  row %d: %s\n", e.Row, e.Message)
		}
	}
	if job.Metrics != nil {
		fmt.Printf("  throughput: %.1f rows/s over %dms\n",
			job.Metrics.RowsPerSecond, job.Metrics.DurationMS)
	}
}

func printExport(job *types.ExportJob) {
	fmt.Printf("export %s  %s -> %s  %s\n", job.ID, job.ResourceType, job.Format, job.Status)
	fmt.Printf("  rows: %d of %d exported\n", job.ExportedRows, job.TotalRows)
	if job.DownloadURL != "" {
		fmt.Printf("  download: %s\n", job.DownloadURL)
		if job.ExpiresAt != nil {
			fmt.Printf("  expires: %s\n", job.ExpiresAt.Format(time.RFC3339))
		}
	}
	if job.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", job.ErrorMessage)
	}
}
