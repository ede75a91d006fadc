package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caseidx/caseidx/internal/config"
	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/export"
	"github.com/caseidx/caseidx/internal/indexer"
	"github.com/caseidx/caseidx/internal/intake"
	"github.com/caseidx/caseidx/internal/logging"
	"github.com/caseidx/caseidx/internal/metadata"
	"github.com/caseidx/caseidx/internal/repository"
	"github.com/caseidx/caseidx/internal/web"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "caseidx",
		Short: "Metadata-driven case snapshot indexing service",
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newReindexCmd(&configPath),
		newReindexAllCmd(&configPath),
		newMetadataCmd(&configPath),
		newExportCmd(&configPath),
	)
	return root
}

// app bundles everything the subcommands need.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	conn      *db.Connection
	loader    *metadata.Loader
	resolver  *metadata.Resolver
	engine    *indexer.Engine
	defs      *indexer.DefinitionStore
	requests  repository.RequestRepository
	overrides repository.OverrideRepository
	snapshots repository.SnapshotRepository
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)

	conn, err := db.NewConnection(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	loader := metadata.NewLoader(os.DirFS(cfg.MetadataDir), log)
	if err := loader.Load(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.MetadataDir).Msg("canonical metadata unavailable, continuing with overrides only")
	}

	defs := indexer.NewDefinitionStore(os.DirFS(cfg.IndexDefDir), log)
	if err := defs.Load(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.IndexDefDir).Msg("index definitions unavailable, continuing without them")
	}

	overrides := repository.NewOverrideRepository(conn)
	snapshots := repository.NewSnapshotRepository(conn)
	resolver := metadata.NewResolver(loader, overrides, log)
	engine := indexer.NewEngine(conn, snapshots, resolver, indexer.NewAnnotator(loader), log)

	return &app{
		cfg:       cfg,
		log:       log,
		conn:      conn,
		loader:    loader,
		resolver:  resolver,
		engine:    engine,
		defs:      defs,
		requests:  repository.NewRequestRepository(conn),
		overrides: overrides,
		snapshots: snapshots,
	}, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the index request poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()

			poller := indexer.NewPoller(a.requests, a.engine, a.cfg.PollInterval, a.cfg.WorkerBatchSize, a.log)
			go poller.Run(ctx)

			intakeSvc := intake.NewService(a.snapshots, a.requests, a.log)
			exportSvc := export.NewService(a.conn, a.log, export.WithExportDirectory(a.cfg.ExportDir))
			admin := web.NewAdminHandler(a.resolver, a.overrides, a.engine, a.defs, a.log)

			server := web.NewServer(a.cfg.HTTPAddr, admin,
				intake.NewHTTPHandler(intakeSvc), export.NewHTTPHandler(exportSvc), a.log)

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			a.log.Info().Msg("shutting down")
			return server.Shutdown(context.Background())
		},
	}
}

func newReindexCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <case-id>",
		Short: "Reindex one case from its latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()
			return a.engine.Reindex(cmd.Context(), args[0])
		},
	}
}

func newReindexAllCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex-all <entity-type>",
		Short: "Reindex every case of an entity type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()
			return a.engine.ReindexAll(cmd.Context(), args[0])
		},
	}
}

func newMetadataCmd(configPath *string) *cobra.Command {
	meta := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect resolved mapping metadata",
	}

	meta.AddCommand(&cobra.Command{
		Use:   "resolve <class-or-entity-type>",
		Short: "Print the effective mapping set for a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()

			mappings := a.resolver.Resolve(cmd.Context(), args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(mappings)
		},
	})

	meta.AddCommand(&cobra.Command{
		Use:   "ddl <class-or-entity-type>",
		Short: "Print the DDL a reindex of the class would issue, without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()

			ddl, err := a.engine.PreviewDDL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, stmt := range ddl {
				fmt.Fprintln(cmd.OutOrStdout(), stmt+";")
			}
			return nil
		},
	})

	meta.AddCommand(&cobra.Command{
		Use:   "diagnostics",
		Short: "Print per-class resolution problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.resolver.Diagnostics())
		},
	})

	return meta
}

func newExportCmd(configPath *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <table>",
		Short: "Dump a projection or index table to a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.conn.Close()

			svc := export.NewService(a.conn, a.log, export.WithExportDirectory(a.cfg.ExportDir))
			result, err := svc.ExportTable(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "xlsx", "export format: xlsx or csv")
	return cmd
}
