// Package config loads lockwallet settings from lockwallet.yaml, LOCKWALLET_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/keystore"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	EnvPrefix       = "LOCKWALLET"
	ConfigName      = "lockwallet"
	DefaultDirName  = ".lockwallet"
	DefaultLogLevel = "info"
)

// Keys, also used as flag names.
const (
	KeyDataDir          = "datadir"
	KeyNetwork          = "network"
	KeyPbkdf2Iterations = "pbkdf2iterations"
	KeyProduction       = "production"
	KeyScanReceive      = "scanreceive"
	KeyScanChange       = "scanchange"
	KeyLogLevel         = "loglevel"
	KeyLogDir           = "logdir"

	// keyTestIterations maps to LOCKWALLET_TEST_PBKDF2_ITERATIONS.
	keyTestIterations = "test_pbkdf2_iterations"
)

// Config holds the resolved settings.
type Config struct {
	DataDir          string `mapstructure:"datadir"`
	Network          string `mapstructure:"network"`
	Pbkdf2Iterations int    `mapstructure:"pbkdf2iterations"`
	Production       bool   `mapstructure:"production"`
	ScanReceive      int    `mapstructure:"scanreceive"`
	ScanChange       int    `mapstructure:"scanchange"`
	LogLevel         string `mapstructure:"loglevel"`
	LogDir           string `mapstructure:"logdir"`

	// TestIterations is the raw iteration override from the environment.
	TestIterations string `mapstructure:"test_pbkdf2_iterations"`

	// ConfigFile is the file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// DefaultDataDir returns ~/.lockwallet, or .lockwallet when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDataDir, DefaultDataDir())
	v.SetDefault(KeyNetwork, hdwallet.Mainnet.String())
	v.SetDefault(KeyPbkdf2Iterations, 0)
	v.SetDefault(KeyProduction, true)
	v.SetDefault(KeyScanReceive, hdwallet.DefaultScanWindow)
	v.SetDefault(KeyScanChange, hdwallet.DefaultScanWindow)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogDir, "")
	v.SetDefault(keyTestIterations, "")
}

// Load resolves the configuration. cmd may be nil; when set its flags are
// bound by name. configFile forces a specific file; otherwise lockwallet.yaml
// is looked up in the data directory and the working directory and may be
// absent.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString(KeyDataDir))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config: %v",
				walleterr.ErrConfiguration, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %v",
			walleterr.ErrConfiguration, err)
	}
	c.ConfigFile = v.ConfigFileUsed()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that cannot be clamped.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: empty data directory", walleterr.ErrConfiguration)
	}
	if _, err := hdwallet.ParseNetwork(c.Network); err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrConfiguration, err)
	}
	if c.Pbkdf2Iterations < 0 {
		return fmt.Errorf("%w: negative pbkdf2 iterations",
			walleterr.ErrConfiguration)
	}
	if c.ScanReceive < 0 || c.ScanChange < 0 {
		return fmt.Errorf("%w: negative scan window", walleterr.ErrConfiguration)
	}
	return nil
}

// ParsedNetwork returns the network. Validate has already checked it.
func (c *Config) ParsedNetwork() hdwallet.Network {
	n, _ := hdwallet.ParseNetwork(c.Network)
	return n
}

// IterationPolicy returns the keystore policy for new passwords.
func (c *Config) IterationPolicy() keystore.IterationPolicy {
	return keystore.IterationPolicy{
		Session:    c.Pbkdf2Iterations,
		Env:        c.TestIterations,
		Production: c.Production,
	}
}

// ManagerConfig returns the HD key manager settings.
func (c *Config) ManagerConfig() hdwallet.Config {
	return hdwallet.Config{
		Network:     c.ParsedNetwork(),
		ScanReceive: uint32(c.ScanReceive),
		ScanChange:  uint32(c.ScanChange),
	}
}

// LogFile returns the log file path, defaulting to logs/<network> under the
// data directory.
func (c *Config) LogFile() string {
	dir := c.LogDir
	if dir == "" {
		dir = filepath.Join(c.DataDir, "logs", c.ParsedNetwork().String())
	}
	return filepath.Join(dir, "lockwallet.log")
}
