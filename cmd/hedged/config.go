package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultListenAddr   = "127.0.0.1:8080"
	defaultNetwork      = "signet"
	defaultDataDirname  = "hedged"
	defaultDBFilename   = "contracts.db"
	defaultFeeRate      = 2.0
	defaultPollInterval = 30 * time.Second
)

// config holds everything the daemon needs at startup. Defaults target
// public signet; mainnet requires every knob to be set explicitly.
type config struct {
	ListenAddr string `long:"listen" description:"Address to serve the REST API on"`

	Network string `long:"network" description:"Bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	ProviderURL string `long:"provider" description:"Base URL of the esplora block data provider"`

	DBPath string `long:"db" description:"Path to the sqlite contract database"`

	FeeRate float64 `long:"feerate" description:"Fee rate in sat/vbyte for constructed transactions"`

	PollInterval time.Duration `long:"pollinterval" description:"How often to poll for new blocks"`

	HouseSecret string `long:"housesecret" description:"Hex encoded house private key" env:"HEDGED_HOUSE_SECRET"`

	OracleSecret string `long:"oraclesecret" description:"Hex encoded oracle private key" env:"HEDGED_ORACLE_SECRET"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// loadConfig parses the command line into a validated config.
func loadConfig() (*config, error) {
	cfg := &config{
		ListenAddr:   defaultListenAddr,
		Network:      defaultNetwork,
		FeeRate:      defaultFeeRate,
		PollInterval: defaultPollInterval,
		DebugLevel:   "info",
	}

	if _, err := flags.Parse(cfg); err != nil {
		return nil, err
	}

	if cfg.HouseSecret == "" || cfg.OracleSecret == "" {
		return nil, fmt.Errorf("both --housesecret and " +
			"--oraclesecret must be set")
	}
	if cfg.FeeRate <= 0 {
		return nil, fmt.Errorf("feerate must be positive, got %v",
			cfg.FeeRate)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("pollinterval must be positive, "+
			"got %v", cfg.PollInterval)
	}

	if cfg.DBPath == "" {
		dataDir, err := os.UserCacheDir()
		if err != nil {
			dataDir = "."
		}
		dir := filepath.Join(dataDir, defaultDataDirname)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		cfg.DBPath = filepath.Join(dir, defaultDBFilename)
	}

	return cfg, nil
}
