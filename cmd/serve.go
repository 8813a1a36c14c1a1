package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"annoflow/internal/api"
	"annoflow/internal/common"
	"annoflow/internal/config"
	"annoflow/internal/coord"
	"annoflow/internal/creds"
	"annoflow/internal/data"
	"annoflow/internal/dump"
	"annoflow/internal/git"
	"annoflow/internal/project"
	"annoflow/internal/scheduler"
	"annoflow/internal/store"
	"annoflow/internal/tracker"
)

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the annotation backend server",
	RunE:  runServe,
}

func init() {
	bindServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func bindServeFlags(flags *pflag.FlagSet) {
	flags.StringVar(&serveAddress, "address", "", "listen address (overrides the config file)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	layout := project.LayoutFromConfig(cfg.Project)
	dataStore := data.NewStore(st.DB(), layout)
	if err := dataStore.Migrate(ctx); err != nil {
		return err
	}

	clones := cfg.Git.ClonesDirectory
	if err := os.MkdirAll(clones, common.DirPermissionSecure); err != nil {
		return err
	}
	handle := coord.NewHandle(clones)

	sched := scheduler.New(logger)
	defer sched.Shutdown()

	// The clone only exists once a repository is configured, so the
	// dump target directory is resolved on every dump run.
	dumpers := dump.NewFileDumpers(dataStore, layout, func() string {
		repo, err := st.MostRecentRepository(context.Background())
		if err != nil || repo == nil {
			return ""
		}
		return filepath.Join(clones, strconv.Itoa(repo.ID))
	})
	dumpService := dump.NewService(sched, handle.Window, dumpers, logger)
	if err := dumpService.Register(time.Duration(cfg.Git.DumpIntervalSeconds) * time.Second); err != nil {
		return err
	}

	engine := git.NewService(git.Options{
		Store:            st,
		Handle:           handle,
		Credentials:      creds.NewManager(clones),
		Passwords:        creds.NewPasswordCache(creds.CredentialCacheTimeout, false),
		Dumps:            dumpService,
		Injector:         dataStore,
		Layout:           layout,
		ClonesDirectory:  clones,
		LicensedForHTTPS: cfg.License.Key != "",
		Logger:           logger,
	})
	if err := engine.RegisterSyncJob(sched, time.Duration(cfg.Git.SynchronizationIntervalSeconds)*time.Second); err != nil {
		return err
	}

	changes := tracker.New(st, dumpService, true, logger)

	server := api.NewServer(api.Options{
		Engine:    engine,
		Store:     st,
		Files:     dataStore,
		Tracker:   changes,
		Layout:    layout,
		ForceSync: func() error { return git.RequestForcedSynchronization(sched) },
		Logger:    logger,
	})

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(); err != nil {
			logger.Printf("shutdown failed: %v", err)
		}
	}()

	address := serveAddress
	if address == "" {
		address = cfg.Server.Address
	}
	logger.Printf("listening on %s", address)
	return server.Listen(address)
}
