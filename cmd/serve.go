package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API",
		Long: `Serves the HTTP API used to submit tasks, inspect progress and collect
results. With --with-workers the executor pool runs in the same process,
which is required for the memory queue backend.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			workersDone := make(chan struct{})
			if withWorkers {
				manager, err := a.BrowserManager()
				if err != nil {
					return err
				}
				go func() {
					defer close(workersDone)
					a.Dispatcher(manager).Run(ctx)
				}()
			} else {
				close(workersDone)
			}

			port := a.Config.Server.Port
			if env := os.Getenv("PORT"); env != "" {
				if p, err := strconv.Atoi(env); err == nil && p > 0 {
					port = p
				}
			}
			srv := &http.Server{
				Addr:              net.JoinHostPort("", strconv.Itoa(port)),
				Handler:           a.APIServer().Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			err = serveUntilDone(ctx, srv, a.Logger)
			cancel()
			<-workersDone
			return err
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "with-workers", false, "run the executor pool in this process")
	return cmd
}

func serveUntilDone(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
