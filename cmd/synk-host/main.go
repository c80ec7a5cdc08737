package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"synkronus-host/internal/adapter/capability"
	"synkronus-host/internal/adapter/formspec"
	"synkronus-host/internal/adapter/gateway"
	"synkronus-host/internal/adapter/store"
	"synkronus-host/internal/adapter/sync"
	"synkronus-host/internal/domain"
	"synkronus-host/internal/infra/config"
	"synkronus-host/internal/infra/logger"
	"synkronus-host/internal/infra/tracer"
	"synkronus-host/internal/usecase/actions"
	"synkronus-host/internal/usecase/bridge"
	"synkronus-host/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "sync":
			if err := runSyncOnce(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "sync: %v\n", err)
				os.Exit(1)
			}
			return
		case "provision":
			if err := runProvision(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "provision: %v\n", err)
				os.Exit(1)
			}
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`synk-host - Synkronus data-collection host

USAGE:
    synk-host [COMMAND] [FLAGS]

COMMANDS:
    sync        Run a single sync cycle against the server and exit
    provision   Store the sync token in the encrypted vault
    encrypt     Encrypt a config value with SYNKRONUS_CONFIG_KEY

    (no command) - Run the host with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: SYNKRONUS_* variables override config
    Secrets:     "enc:" values decrypt with SYNKRONUS_CONFIG_KEY;
                 the sync vault unlocks with SYNKRONUS_VAULT_KEY

EXAMPLES:
    synk-host                              # Run with config.yaml
    synk-host --config /etc/synk/host.yaml
    synk-host provision --token dev-123    # Seed the sync vault
    synk-host sync                         # One-shot sync cycle`)
}

func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("synk-host", flag.ExitOnError)
	path := fs.String("config", "./config.yaml", "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	if err := ensureDirs(cfg); err != nil {
		return err
	}

	bus := eventbus.New(log)
	defer bus.Close()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	forms := formspec.NewProvider(cfg.Forms.BundleDir, log, bus)

	caps := capability.NewRegistry()
	if cfg.Capabilities.Simulated {
		capability.RegisterSimulated(caps, cfg.Capabilities.AttachmentDir)
	} else {
		log.Warn("no capture backends registered; set capabilities.simulated for development")
	}
	for _, kind := range cfg.Capabilities.Disabled {
		caps.Disable(domain.CapabilityKind(kind))
	}

	svc := actions.NewService(st, forms, caps, bus, log)
	reg := bridge.NewRegistry()
	if err := svc.Bind(reg); err != nil {
		return fmt.Errorf("actions: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Sync.Enabled {
		syncSvc, err := buildSyncService(cfg, st, forms, bus, log)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if err := syncSvc.Schedule(cfg.Sync.Schedule); err != nil {
			return fmt.Errorf("sync schedule: %w", err)
		}
		syncSvc.Start(ctx)
		defer syncSvc.Stop()
	}

	if cfg.Gateway.Enabled {
		entries := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Auth.Tokens))
		for _, t := range cfg.Gateway.Auth.Tokens {
			entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
		}
		auth := gateway.NewStaticTokenAuth(entries)

		factory := func(view domain.ContentView) gateway.Session {
			return bridge.New(view.Label(), view, reg, bridge.Options{
				RequestTimeout: cfg.Bridge.RequestTimeout,
				Logger:         log,
				Bus:            bus,
			})
		}

		srv := gateway.NewServer(factory, auth, bus, cfg.Gateway.Addr, log)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}

	log.Info("host ready",
		"store", cfg.Store.Path,
		"forms", cfg.Forms.BundleDir,
		"sync", cfg.Sync.Enabled,
		"gateway", cfg.Gateway.Enabled)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func ensureDirs(cfg *config.Config) error {
	dirs := []string{
		cfg.Host.DataDir,
		filepath.Dir(cfg.Store.Path),
		cfg.Forms.BundleDir,
		cfg.Capabilities.AttachmentDir,
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

func buildSyncService(cfg *config.Config, st domain.RecordRepository, forms *formspec.Provider, bus domain.EventBus, log *slog.Logger) (*sync.Service, error) {
	token := cfg.Sync.Token
	if token == "" && cfg.Sync.VaultPath != "" {
		passphrase := os.Getenv("SYNKRONUS_VAULT_KEY")
		if passphrase != "" {
			vault, err := sync.NewVault(cfg.Sync.VaultPath, passphrase)
			if err != nil {
				return nil, err
			}
			token, err = vault.Load()
			if err != nil {
				return nil, err
			}
		}
	}
	if token == "" {
		log.Warn("sync token not configured; requests will be unauthenticated")
	}

	client := sync.NewClient(sync.ClientConfig{
		BaseURL: cfg.Sync.BaseURL,
		Token:   token,
		Timeout: cfg.Sync.Timeout,
	}, log)

	return sync.NewService(client, st, forms, cfg.Forms.BundleDir, bus, log), nil
}

// runSyncOnce performs a single push/pull cycle, useful for cron-driven
// deployments and debugging connectivity.
func runSyncOnce(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Sync.BaseURL == "" {
		return fmt.Errorf("sync.base_url is not configured")
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	if err := ensureDirs(cfg); err != nil {
		return err
	}

	bus := eventbus.New(log)
	defer bus.Close()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	forms := formspec.NewProvider(cfg.Forms.BundleDir, log, bus)

	syncSvc, err := buildSyncService(cfg, st, forms, bus, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return syncSvc.Run(ctx)
}

func runProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	path := fs.String("config", "./config.yaml", "config file path")
	token := fs.String("token", "", "sync token to store")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return fmt.Errorf("--token is required")
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Sync.VaultPath == "" {
		return fmt.Errorf("sync.vault_path is not configured")
	}

	passphrase := os.Getenv("SYNKRONUS_VAULT_KEY")
	if passphrase == "" {
		return fmt.Errorf("SYNKRONUS_VAULT_KEY is not set")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Sync.VaultPath), 0o700); err != nil {
		return err
	}

	vault, err := sync.NewVault(cfg.Sync.VaultPath, passphrase)
	if err != nil {
		return err
	}
	if err := vault.Store(*token); err != nil {
		return err
	}
	fmt.Printf("token stored in %s\n", cfg.Sync.VaultPath)
	return nil
}

func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: synk-host encrypt <value>")
	}

	passphrase := os.Getenv("SYNKRONUS_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("SYNKRONUS_CONFIG_KEY is not set")
	}

	enc, err := config.EncryptValue(fs.Arg(0), passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("enc:%s\n", enc)
	return nil
}
