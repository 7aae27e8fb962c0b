package cmd

import (
	"fmt"

	"github.com/illarion/lockwallet/internal/backup"
	"github.com/illarion/lockwallet/internal/build"
	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/keystore"
	"github.com/illarion/lockwallet/internal/wallet"
	"github.com/illarion/lockwallet/internal/walleterr"
)

const (
	maxLogFileSizeKB = 10 * 1024
	maxLogFiles      = 3
)

// initLogging registers every subsystem logger, applies the configured
// levels and starts the log file.
func (a *app) initLogging() error {
	l := build.NewLogging()

	keystore.UseLogger(l.NewSubLogger(keystore.Subsystem))
	hdwallet.UseLogger(l.NewSubLogger(hdwallet.Subsystem))
	backup.UseLogger(l.NewSubLogger(backup.Subsystem))
	wallet.UseLogger(l.NewSubLogger(wallet.Subsystem))

	if err := l.SetLogLevels(a.cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrConfiguration, err)
	}
	if err := l.InitLogRotator(a.cfg.LogFile(), maxLogFileSizeKB, maxLogFiles); err != nil {
		return err
	}

	a.logging = l
	return nil
}
