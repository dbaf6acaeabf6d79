package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
	"github.com/pingcap-incubator/tinydoc/docdb/merger"
	"github.com/pingcap-incubator/tinydoc/docdb/metrics"
	"github.com/pingcap-incubator/tinydoc/docdb/notify"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/subscriptions"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var gitHash = "None"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		dbPath     string
		statusAddr string
	)
	cmd := &cobra.Command{
		Use:          "tinydoc-server",
		Short:        "Document storage engine with a merging write path",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db-path") {
				conf.Engine.DBPath = dbPath
			}
			if cmd.Flags().Changed("status-addr") {
				conf.StatusAddr = statusAddr
			}
			if err = conf.Validate(); err != nil {
				return err
			}
			if err = setupLogger(conf); err != nil {
				return err
			}
			return run(conf)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file path")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "data directory, overrides the config file")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "metrics and status address, overrides the config file")
	return cmd
}

func setupLogger(conf *config.Config) error {
	lg, props, err := log.InitLogger(&conf.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

type server struct {
	conf      *config.Config
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	engine    *storage.BadgerEngine
	hub       *notify.Hub
	publisher *notify.RedisPublisher
	docs      *documents.DocumentsStorage
	merger    *merger.Merger
	subs      *subscriptions.Storage
}

func newServer(conf *config.Config) (*server, error) {
	s := &server{conf: conf, registry: prometheus.NewRegistry()}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.registry)

	var err error
	if s.engine, err = storage.NewBadgerEngine(&conf.Engine); err != nil {
		return nil, err
	}
	s.hub = notify.NewHub(s.metrics)
	notifier := notify.Multi{s.hub}
	if conf.Notifications.RedisAddr != "" {
		s.publisher = notify.NewRedisPublisher(&conf.Notifications, s.metrics)
		notifier = append(notifier, s.publisher)
	}
	if s.docs, err = documents.Open(s.engine, conf, notifier, s.metrics); err != nil {
		s.close()
		return nil, err
	}
	if s.merger, err = merger.New(s.engine, s.docs, &conf.Merger, s.metrics); err != nil {
		s.close()
		return nil, err
	}
	s.subs = subscriptions.New(s.engine, s.docs, s.merger, &conf.Subscriptions)
	return s, nil
}

func (s *server) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
		subs, err := s.subs.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, subs)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := jsoniter.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response failed", zap.Error(err))
	}
}

// logChanges writes committed changes to the debug log until ctx is done.
func (s *server) logChanges(ctx context.Context) error {
	changes, cancel := s.hub.Subscribe(1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-changes:
			log.Debug("change committed", zap.Stringer("type", c.Type), zap.String("key", c.Key),
				zap.Uint64("etag", c.Etag), zap.String("collection", c.Collection))
		}
	}
}

func (s *server) close() {
	if s.merger != nil {
		s.merger.Stop()
	}
	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.publisher.Close(ctx); err != nil {
			log.Warn("close redis publisher failed", zap.Error(err))
		}
		cancel()
	}
	if err := s.engine.Close(); err != nil {
		log.Error("close engine failed", zap.Error(err))
	}
}

func run(conf *config.Config) error {
	log.Info("starting tinydoc-server", zap.String("git-hash", gitHash), zap.Any("config", conf))
	s, err := newServer(conf)
	if err != nil {
		return err
	}
	defer s.close()
	s.merger.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.logChanges(ctx)
	})
	if conf.StatusAddr != "" {
		status := &http.Server{Addr: conf.StatusAddr, Handler: s.statusHandler()}
		g.Go(func() error {
			log.Info("status server listening", zap.String("addr", conf.StatusAddr))
			if err := status.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Annotate(err, "status server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return status.Shutdown(shutdownCtx)
		})
	}
	<-ctx.Done()
	log.Info("shutting down")
	err = g.Wait()
	log.Info("server stopped", zap.Uint64("last-etag", s.docs.LastEtag()))
	return err
}
