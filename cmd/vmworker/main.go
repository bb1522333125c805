// Command vmworker streams a simulation engine's on-disk frame cache to
// S3-compatible object storage while the simulation is still baking,
// reporting progress over a WebSocket control channel back to a
// coordinator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/simcache/vmworker/internal/circuit"
	"github.com/simcache/vmworker/internal/config"
	"github.com/simcache/vmworker/internal/control"
	"github.com/simcache/vmworker/internal/dictionary"
	"github.com/simcache/vmworker/internal/healthcheck"
	"github.com/simcache/vmworker/internal/ledger"
	"github.com/simcache/vmworker/internal/metrics"
	"github.com/simcache/vmworker/internal/pipeline"
	"github.com/simcache/vmworker/internal/resume"
	"github.com/simcache/vmworker/internal/uploader"
	"github.com/simcache/vmworker/pkg/backoff"
)

// Exit codes, per the documented shutdown contract: 0 on a fully secured
// cache, 1 on an interrupted or failed-dominant run, 2 on a partial upload.
const (
	exitSuccess = 0
	exitFailure = 1
	exitPartial = 2
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to an optional YAML configuration overlay")
	flag.Parse()

	cfg := config.Default()
	config.LoadEnv(cfg)
	if configFile != "" {
		if err := config.LoadYAML(cfg, configFile); err != nil {
			fmt.Fprintln(os.Stderr, "vmworker:", err)
			os.Exit(exitFailure)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "vmworker:", err)
		os.Exit(exitFailure)
	}

	log := newLogger(cfg.LogLevel)
	os.Exit(run(cfg, log))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, log *slog.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go escalateOnRepeatedSignal(log)

	if err := cfg.EnsureDirs(); err != nil {
		log.Error("failed to prepare working directories", "err", err)
		return exitFailure
	}

	dict := dictionary.New(cfg.ZstdLevel, log)
	if found, err := dict.LoadFile(cfg.DictFile); err != nil {
		log.Warn("failed to load local dictionary", "err", err)
	} else if found {
		log.Info("loaded dictionary from previous run")
	}

	mc := metrics.NewCollector()
	health := healthcheck.New(fmt.Sprintf(":%d", cfg.HealthPort))
	go func() { _ = mc.Serve(ctx, fmt.Sprintf(":%d", cfg.MetricsPort)) }()
	go func() { _ = health.Serve(ctx) }()

	s3Ch := make(chan control.S3CredentialsPayload, 1)
	resumeCh := make(chan control.ResumeInfoPayload, 1)

	ctrl := control.New(cfg.WSURL, cfg.VMPassword, cfg.HeartbeatInterval, reconnectBackoff(cfg), control.Handlers{
		OnS3Credentials: func(creds control.S3CredentialsPayload) {
			select {
			case s3Ch <- creds:
			default:
			}
		},
		OnResumeInfo: func(info control.ResumeInfoPayload) {
			select {
			case resumeCh <- info:
			default:
			}
		},
		OnTerminate: func(control.TerminatePayload) {
			stop()
		},
	}, log)

	go func() {
		if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("control channel terminated", "err", err)
			mc.IncReconnect()
		}
	}()

	var creds control.S3CredentialsPayload
	var resumeInfo control.ResumeInfoPayload
	var haveCreds, haveResumeInfo bool
	for !haveCreds || !haveResumeInfo {
		select {
		case creds = <-s3Ch:
			haveCreds = true
		case resumeInfo = <-resumeCh:
			haveResumeInfo = true
		case <-ctx.Done():
			return exitInterrupted(nil)
		}
	}

	breaker := circuit.New(circuit.Config{})
	uploadClient, err := uploader.NewClient(ctx, uploader.Credentials{
		AccessKeyID: creds.AccessKeyID, SecretAccessKey: creds.SecretAccessKey,
		SessionToken: creds.SessionToken, Region: creds.Region,
		Endpoint: creds.Endpoint, Bucket: creds.Bucket, Prefix: creds.Prefix,
	}, breaker, log)
	if err != nil {
		log.Error("failed to build s3 client from received credentials", "err", err)
		return exitFailure
	}

	resumeMgr := resume.New(uploadClient, dict, cfg.CacheDir, log)
	result, err := resumeMgr.Run(ctx)
	if err != nil {
		log.Error("resume sequence failed", "err", err)
		return exitFailure
	}
	log.Info("resume complete", "secured_frames", len(result.SecuredFrames), "batches", result.BatchCount)

	tr := resume.SeedLedger(resumeInfo.TotalFrames, result)
	pl := pipeline.New(cfg, tr, dict, ctrl, mc, result.SecuredFrames, log)
	pl.SetUploader(uploadClient)

	health.SetReady(true)

	if err := pl.Run(ctx); err != nil {
		log.Error("pipeline failed", "err", err)
		return exitFailure
	}

	return exitCodeFor(tr)
}

func reconnectBackoff(cfg *config.Config) backoff.Config {
	return backoff.Config{Delay: cfg.ReconnectDelay, Max: 30 * time.Second, MaxAttempts: cfg.MaxReconnectAttempts}
}

// exitCodeFor maps the ledger's final frame state to the documented exit
// code contract.
func exitCodeFor(tr *ledger.Tracker) int {
	total := tr.TotalFrames()
	secured := len(tr.Secured())
	switch {
	case total > 0 && secured == total:
		return exitSuccess
	case secured > 0:
		return exitPartial
	default:
		return exitFailure
	}
}

func exitInterrupted(tr *ledger.Tracker) int {
	if tr != nil && len(tr.Secured()) > 0 {
		return exitPartial
	}
	return exitFailure
}

// escalateOnRepeatedSignal forces an immediate exit on a third SIGINT/SIGTERM,
// for an operator whose orderly shutdown is taking too long.
func escalateOnRepeatedSignal(log *slog.Logger) {
	sigCh := make(chan os.Signal, 3)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	count := 0
	for range sigCh {
		count++
		if count >= 3 {
			log.Warn("received repeated shutdown signal, forcing exit")
			os.Exit(exitFailure)
		}
	}
}
