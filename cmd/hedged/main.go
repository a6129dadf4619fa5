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

	"github.com/hashhedge/hedged/chainapi"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/contractnotifier"
	"github.com/hashhedge/hedged/hedgeconf"
	"github.com/hashhedge/hedged/settlement"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"
)

func main() {
	if err := run(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) &&
			flagErr.Type == flags.ErrHelp {

			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLoggers(cfg.DebugLevel); err != nil {
		return err
	}

	params, err := hedgeconf.NetParams(cfg.Network)
	if err != nil {
		return err
	}
	keys, err := hedgeconf.NewKeyRing(cfg.HouseSecret, cfg.OracleSecret)
	if err != nil {
		return err
	}

	store, err := contractdb.NewSqliteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening contract db: %w", err)
	}
	defer store.Close()

	providerURL := cfg.ProviderURL
	if providerURL == "" {
		providerURL = chainapi.DefaultBaseURL
	}
	chain := chainapi.NewClient(providerURL, 0)

	notifier := contractnotifier.New()
	if err := notifier.Start(); err != nil {
		return err
	}
	defer notifier.Stop()

	engine := settlement.NewEngine(&settlement.Config{
		Store:   store,
		Chain:   chain,
		Events:  notifier,
		Keys:    keys,
		Params:  params,
		FeeRate: cfg.FeeRate,
	})

	monitor := settlement.NewMonitor(settlement.MonitorConfig{
		Engine: engine,
		Chain:  chain,
		Ticker: ticker.New(cfg.PollInterval),
	})
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newServer(engine, store, chain, notifier).router(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infof("Serving REST API on %v (%v)", cfg.ListenAddr,
			params.Name)
		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {

			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Infof("Received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
