package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"xmrgate/internal/api"
	"xmrgate/internal/config"
	"xmrgate/internal/gateway"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
	"xmrgate/internal/store"
	"xmrgate/internal/xmr"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Hour
	// Unpaid invoices are normally released by the scanner when they expire.
	// This only bounds entries for invoices removed out of band.
	pendingTTL = 24 * time.Hour
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "optional config file (yaml, toml or json)",
}

func main() {
	app := &cli.App{
		Name:   "xmrgate",
		Usage:  "watch-only Monero payment gateway",
		Flags:  append(config.Flags(), configFlag),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the scanner and the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "stats",
				Usage:  "print invoice store statistics and exit",
				Action: printStats,
			},
			{
				Name:  "address",
				Usage: "print the subaddress for an index",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "major", Usage: "account index (defaults to --account)"},
					&cli.UintFlag{Name: "minor", Usage: "subaddress index", Required: true},
				},
				Action: printAddress,
			},
			{
				Name:      "purge-archive",
				Usage:     "delete archived invoices by ID",
				ArgsUsage: "ID [ID...]",
				Action:    purgeArchive,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Internal.WithError(err).Fatal("xmrgate failed")
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	v := config.New()
	config.BindFlags(v, c)
	cfg, err := config.Load(v, c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogJSON); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []gateway.Option
	arch, err := cfg.OpenArchive()
	if err != nil {
		return fmt.Errorf("open %s archive: %w", cfg.ArchiveType, err)
	}
	if arch != nil {
		opts = append(opts, gateway.WithArchive(arch))
	}
	logging.Internal.WithFields(log.Fields{
		"store":   cfg.Gateway.StoreType,
		"path":    cfg.Gateway.StorePath,
		"archive": cfg.ArchiveType,
	}).Info("opening gateway")

	gw, err := gateway.New(ctx, cfg.Gateway, opts...)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.Run(ctx); err != nil {
		return err
	}

	var pendingLimiter *api.PendingInvoiceLimiter
	if cfg.MaxPending > 0 {
		pendingLimiter = api.NewPendingInvoiceLimiter(cfg.MaxPending)
		go pendingLimiter.Watch(ctx, gw.SubscribeAll())
		go func() {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := pendingLimiter.CleanupExpired(pendingTTL); n > 0 {
						logging.Internal.WithField("count", n).Info("dropped stale pending invoice entries")
					}
				}
			}
		}()
		logging.Internal.WithField("max", pendingLimiter.MaxPending()).Info("pending invoice limit enabled")
	}

	handler := api.NewHandler(gw, api.Options{
		DefaultConfirmations: cfg.DefaultConfirmations,
		DefaultExpiresIn:     cfg.DefaultExpiresIn,
		MaxWait:              cfg.MaxWait,
	}, pendingLimiter)

	mux := http.NewServeMux()
	mux.Handle("/api/", handler)

	var corsConfig api.CORSConfig
	if cfg.Dev {
		logging.Internal.Info("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
		logging.Internal.WithField("origins", cfg.CORSOrigins).Info("CORS restricted")
	}

	// Order: Logger -> RateLimit -> CORS -> handler
	var finalHandler http.Handler = mux
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if !cfg.Dev {
		rateLimiter := api.NewRateLimiter(api.DefaultRateLimitConfig())
		defer rateLimiter.Stop()
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Info("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           finalHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Internal.WithFields(log.Fields{
			"addr":    cfg.Listen,
			"address": gw.PrimaryAddress(),
		}).Info("starting server")
		serveErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logging.Internal.Info("shutting down...")
	case runErr = <-gw.Errors():
		logging.Internal.WithError(runErr).Error("scanner stopped")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Internal.WithError(err).Warn("http shutdown")
	}
	if err := gw.Stop(shutdownCtx); err != nil && !errors.Is(err, gateway.ErrNotRunning) && runErr == nil {
		runErr = err
	}
	return runErr
}

func printStats(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Gateway.StoreType, cfg.Gateway.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stats, err := st.Stats(c.Context)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            xmrgate Statistics            ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Scan Height:     %-22d║\n", stats.ScanHeight)
	fmt.Printf("║  Total Invoices:  %-22d║\n", stats.TotalInvoices)
	states := []invoice.State{invoice.Pending, invoice.PartiallyPaid, invoice.AwaitingConfirmations, invoice.Confirmed, invoice.Expired}
	for i, s := range states {
		branch := "├─"
		if i == len(states)-1 {
			branch = "└─"
		}
		fmt.Printf("║  %s %-22s %-13d║\n", branch, s.String()+":", stats.ByState[s])
	}
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Requested:       %-22s║\n", invoice.FormatXMR(stats.AmountRequested)+" XMR")
	fmt.Printf("║  Received:        %-22s║\n", invoice.FormatXMR(stats.AmountPaid)+" XMR")
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestInvoice.IsZero() {
		fmt.Printf("║  Oldest Invoice:  %-22s║\n", stats.OldestInvoice.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Invoice:  %-22s║\n", stats.NewestInvoice.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No invoices in store                    ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
	return nil
}

func printAddress(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	vp, err := xmr.ParseViewPair(cfg.Gateway.PrivateViewKey, cfg.Gateway.PrimaryAddress)
	if err != nil {
		return err
	}

	major := cfg.Gateway.AccountIndex
	if c.IsSet("major") {
		major = uint32(c.Uint("major"))
	}
	idx := xmr.SubIndex{Major: major, Minor: uint32(c.Uint("minor"))}
	fmt.Printf("%s\t%s\n", idx, vp.Subaddress(idx))
	return nil
}

func purgeArchive(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one invoice ID is required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	arch, err := cfg.OpenArchive()
	if err != nil {
		return fmt.Errorf("open %s archive: %w", cfg.ArchiveType, err)
	}
	if arch == nil {
		return errors.New("no archive configured")
	}

	for _, arg := range c.Args().Slice() {
		id, err := invoice.ParseID(arg)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		if err := gateway.PurgeArchived(c.Context, arch, id); err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		fmt.Println("purged", arg)
	}
	return nil
}
