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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"timetable-import/httpapi"
	"timetable-import/importer"
	"timetable-import/sheet"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the import HTTP API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.settings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address (overrides http.addr).")
	return cmd
}

func serve(cmd *cobra.Command, cfg *importer.FileConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e, err := openEngine(cmd, cfg, reg)
	if err != nil {
		return err
	}
	defer e.Close()

	log := logrus.StandardLogger()
	ctrl := httpapi.NewImportController(e, httpapi.ControllerOptions{
		PreviewLimit:   cfg.PreviewLimit,
		HistoryLimit:   cfg.HistoryLimit,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		Sheet:          sheet.Options{Aliases: cfg.Columns.Aliases()},
		Logger:         log,
	})
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewHandler(ctrl, httpapi.ServerOptions{
			MetricsPath: cfg.HTTP.MetricsPath,
			Gatherer:    reg,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Logger:      log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(baseContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTP.Addr, "driver": cfg.Database.Driver}).Info("serving import API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return withCode(exitUsage, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
