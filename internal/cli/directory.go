package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automoto/posemesh/directory"
	"github.com/automoto/posemesh/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	directoryPort int
	directoryTTL  time.Duration
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Run the room directory",
	Long: `Runs the HTTP room directory peers use to find each other. Peers
register, heartbeat and list; records that miss heartbeats expire after the
configured TTL.`,
	Args: cobra.NoArgs,
	RunE: runDirectory,
}

func init() {
	directoryCmd.Flags().IntVarP(&directoryPort, "port", "p", 0, "HTTP listen port (default from POSEMESH_DIRECTORY_PORT)")
	directoryCmd.Flags().DurationVar(&directoryTTL, "ttl", 0, "peer record TTL (default from POSEMESH_DIRECTORY_TTL)")
	rootCmd.AddCommand(directoryCmd)
}

func runDirectory(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		cfg.DirectoryPort = directoryPort
	}
	if cmd.Flags().Changed("ttl") {
		cfg.DirectoryTTL = directoryTTL
	}
	if err := cfg.ValidateDirectory(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Process{Service: "posemesh-directory", Version: Version}, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Printf("[directory] tracing shutdown: %v", err)
		}
	}()

	reg := directory.NewRegistry(cfg.DirectoryTTL)
	reg.Start()
	defer reg.Stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.DirectoryPort),
		Handler:           directory.NewHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[directory] starting on %s (TTL=%s)", srv.Addr, cfg.DirectoryTTL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Println("[directory] shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
