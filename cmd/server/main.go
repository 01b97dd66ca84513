package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"curbwise/internal/actionrequest"
	actionhandler "curbwise/internal/actionrequest/handler"
	"curbwise/internal/actionrequest/trigger"
	"curbwise/internal/audit"
	"curbwise/internal/docstore"
	"curbwise/internal/docstore/memory"
	"curbwise/internal/docstore/postgres"
	httpapi "curbwise/internal/http"
	"curbwise/internal/orgs"
	"curbwise/internal/platform/config"
	"curbwise/internal/platform/httpserver"
	"curbwise/internal/platform/logger"
	"curbwise/internal/platform/metrics"
	platformredis "curbwise/internal/platform/redis"
	"curbwise/internal/platform/token"
	"curbwise/internal/system"
)

// main wires dependencies explicitly: store, directory, handler registry,
// lifecycle, transport. Business logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	store, cleanup, err := openStore(cfg)
	if err != nil {
		log.Error("open document store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var sink actionrequest.AuditSink
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := audit.NewPublisher(cfg.KafkaBrokers, cfg.AuditTopic, log)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = publisher.Close(flushCtx)
		}()
		sink = publisher
	} else {
		sink = &audit.LogSink{Log: log}
	}

	pipelineMetrics := metrics.New(prometheus.DefaultRegisterer)
	handlers := orgs.NewHandlers(store)
	service, err := actionrequest.New(store, orgs.NewDirectory(store), handlers.Registry(), log,
		actionrequest.WithMetrics(pipelineMetrics),
		actionrequest.WithAuditSink(sink),
	)
	if err != nil {
		log.Error("build action pipeline", "error", err)
		os.Exit(1)
	}

	verifier := token.NewVerifier(cfg.JWTSigningKey)
	var handlerOpts []actionhandler.Option
	if cfg.EmulatorMode {
		log.Warn("emulator mode enabled: actorId bypass is active")
		handlerOpts = append(handlerOpts, actionhandler.WithEmulatorMode())
	}
	submit := actionhandler.New(service, verifier, cfg.Namespace, log, handlerOpts...)

	flags := system.New(store, redisClient, log)
	reactive := trigger.New(service, store, flags, log)

	srv := httpserver.New(cfg.Addr, httpapi.NewRouter(submit))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting curbwise backend", "addr", cfg.Addr, "namespace", cfg.Namespace)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := reactive.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg config.Server) (docstore.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		var opts []memory.Option
		if cfg.AllowRecursiveDelete {
			opts = append(opts, memory.WithRecursiveDelete())
		}
		return memory.New(cfg.Namespace, opts...), func() {}, nil
	}

	var opts []postgres.Option
	if cfg.AllowRecursiveDelete {
		opts = append(opts, postgres.WithRecursiveDelete())
	}
	store, err := postgres.Open(cfg.PostgresDSN, cfg.Namespace, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
