package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	memerrors "github.com/rednebmas/mem/internal/errors"
	"github.com/rednebmas/mem/internal/pipeline"
	"github.com/rednebmas/mem/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the run schedule",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	inst, logger, err := openInstance()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer inst.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sched, err := newScheduler(ctx, inst, logger)
	if err != nil {
		return err
	}
	if sched != nil {
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
	}

	addr := inst.Config.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(inst, VersionString()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving",
			zap.String("addr", addr),
			zap.String("db", inst.DB.Path),
			zap.String("schedule", inst.Config.Schedule))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}

// newScheduler runs the pipeline on the configured cron schedule. It
// returns nil when no schedule is set.
func newScheduler(ctx context.Context, inst *pipeline.Instance, logger *zap.Logger) (*cron.Cron, error) {
	if inst.Config.Schedule == "" {
		return nil, nil
	}
	clog := cronLogger{logger.Named("cron").Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	_, err := c.AddFunc(inst.Config.Schedule, func() {
		rep, err := pipeline.Run(ctx, inst, pipeline.Options{})
		switch {
		case memerrors.Is(err, memerrors.KindLocked):
			logger.Info("scheduled run skipped", zap.Error(err))
		case err != nil:
			logger.Error("scheduled run failed", zap.Error(err))
		default:
			logger.Info("scheduled run", zap.String("run", rep.RunID), zap.Bool("committed", rep.Committed))
		}
	})
	if err != nil {
		return nil, memerrors.Config(fmt.Sprintf("schedule %q: %v", inst.Config.Schedule, err))
	}
	return c, nil
}

// cronLogger adapts zap to cron's logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
