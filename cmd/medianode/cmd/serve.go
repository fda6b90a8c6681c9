package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flyingrabbit881/medianode/internal/api"
	"github.com/flyingrabbit881/medianode/internal/config"
	"github.com/flyingrabbit881/medianode/internal/gb28181"
	"github.com/flyingrabbit881/medianode/internal/media"
	"github.com/flyingrabbit881/medianode/internal/muxer"
	"github.com/flyingrabbit881/medianode/internal/observability"
	"github.com/flyingrabbit881/medianode/internal/record"
	"github.com/flyingrabbit881/medianode/internal/source"
	"github.com/flyingrabbit881/medianode/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the medianode server",
	Long: `Start the medianode core: the stream registry, the fan-out engine
and the management HTTP API (stream listing, forced close, GB28181 egress
control, HLS playback, prometheus metrics).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("record-path", "./record", "Root directory for recordings")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("record.path", serveCmd.Flags().Lookup("record-path"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	pool := task.NewPool(cfg.General.PollerCount)
	workers := task.NewWorkerPool(2)
	env := source.NewEnv(cfg, logger, pool, workers)

	// Wire the recorder, GB28181 and vod collaborators into the fan-out.
	muxer.SetRecorderFactory(func(env *source.Env, t source.Tuple, rt source.RecordType, customPath string) (muxer.Recorder, error) {
		switch rt {
		case source.RecordHLS:
			return record.NewHLSRecorder(env, t, customPath), nil
		default:
			return record.NewMP4Recorder(env, t, customPath), nil
		}
	})
	muxer.SetRtpSinkFactory(func(env *source.Env, args source.SendRtpArgs, tracks []media.Track, cb func(uint16, error)) (muxer.RtpSink, error) {
		return gb28181.NewRtpSender(env, args, tracks, cb)
	})
	env.Registry().SetVodFallback(func(info source.MediaInfo) source.Source {
		return record.OpenVod(env, info)
	})

	apiServer := api.NewServer(env)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("management api listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}

	// Close every live source, then stop the schedulers.
	env.Registry().ForEach(func(s source.Source) { s.Close(true) })
	workers.Shutdown()
	pool.Shutdown()
	return nil
}
