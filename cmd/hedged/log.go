package main

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/hashhedge/hedged/chainapi"
	"github.com/hashhedge/hedged/contractdb"
	"github.com/hashhedge/hedged/contractnotifier"
	"github.com/hashhedge/hedged/hedgescript"
	"github.com/hashhedge/hedged/hedgetx"
	"github.com/hashhedge/hedged/settlement"
)

// backendLog is the logging backend all subsystem loggers write through.
var backendLog = btclog.NewBackend(os.Stdout)

// log is the daemon's own logger.
var log = backendLog.Logger("HEDG")

// setupLoggers hands each package its subsystem logger at the requested
// level.
func setupLoggers(debugLevel string) error {
	level, ok := btclog.LevelFromString(debugLevel)
	if !ok {
		level = btclog.LevelInfo
	}

	subsystems := map[string]func(btclog.Logger){
		"HEDG":                     func(l btclog.Logger) { log = l },
		hedgescript.Subsystem:      hedgescript.UseLogger,
		chainapi.Subsystem:         chainapi.UseLogger,
		contractdb.Subsystem:       contractdb.UseLogger,
		hedgetx.Subsystem:          hedgetx.UseLogger,
		contractnotifier.Subsystem: contractnotifier.UseLogger,
		settlement.Subsystem:       settlement.UseLogger,
	}
	for tag, use := range subsystems {
		logger := backendLog.Logger(tag)
		logger.SetLevel(level)
		use(logger)
	}

	return nil
}
