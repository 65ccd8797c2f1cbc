// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package qtumsync

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/lightninglabs/qtumsync/build"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/qcfg"
	"github.com/lightninglabs/qtumsync/signal"
)

const (
	defaultDataDirname  = "data"
	defaultLogDirname   = "logs"
	defaultLogFilename  = "qtumsyncd.log"
	defaultLogLevel     = "info"
	defaultNetworkName  = "mainnet"
	defaultMaxLogFiles  = build.DefaultMaxLogFiles
	defaultMaxLogFileMB = build.DefaultMaxLogFileSize
)

var (
	// DefaultQtumsyncDir is the default directory where qtumsyncd tries
	// to find its configuration file and store its data.
	DefaultQtumsyncDir = btcutil.AppDataDir("qtumsyncd", false)

	// DefaultConfigFile is the default full path of qtumsyncd's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultQtumsyncDir, qcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultQtumsyncDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultQtumsyncDir, defaultLogDirname)
)

// Config defines the configuration options for qtumsyncd.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	QtumsyncDir string `long:"qtumsyncdir" description:"The base directory that contains qtumsyncd's data, logs, configuration file, etc."`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store qtumsyncd's data within"`
	LogDir      string `long:"logdir" description:"Directory to log output."`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	LogCompressor  string `long:"logcompressor" description:"Compression algorithm for rotated log files" choice:"gzip" choice:"zstd"`
	NoLogConsole   bool   `long:"nologconsole" description:"Write log output to the log file only, not to stdout"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	MainNet bool `long:"mainnet" description:"Use the main network"`
	TestNet bool `long:"testnet" description:"Use the test network"`
	RegTest bool `long:"regtest" description:"Use the regression test network"`

	P2P *qcfg.P2P `group:"p2p" namespace:"p2p"`

	Sync *qcfg.Sync `group:"sync" namespace:"sync"`

	DB *qcfg.DB `group:"db" namespace:"db"`

	Prometheus *qcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *qcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// ChainParams is the network selected by the network flags.
	ChainParams *chainreg.Params

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter

	// SubLogMgr owns the subsystem loggers writing through LogWriter.
	SubLogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		QtumsyncDir:    DefaultQtumsyncDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileMB,
		LogCompressor:  build.DefaultLogCompressor,
		DebugLevel:     defaultLogLevel,
		P2P:            qcfg.DefaultP2P(),
		Sync:           qcfg.DefaultSync(),
		DB:             qcfg.DefaultDB(),
		Prometheus:     qcfg.DefaultPrometheus(),
		HealthChecks:   qcfg.DefaultHealthCheck(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor *signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their qtumsyncdir, then we should assume they intend to
	// use the config file within it.
	configFileDir := qcfg.CleanAndExpandPath(preCfg.QtumsyncDir)
	configFilePath := qcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultQtumsyncDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, qcfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	if err := cleanCfg.initLogging(interceptor); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		qtsdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	// If the provided qtumsync directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	qtumsyncDir := qcfg.CleanAndExpandPath(cfg.QtumsyncDir)
	if qtumsyncDir != DefaultQtumsyncDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(
				qtumsyncDir, defaultDataDirname,
			)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(
				qtumsyncDir, defaultLogDirname,
			)
		}
	}

	// Multiple networks can't be selected simultaneously. Count number
	// of network flags passed; assign active network params while we're
	// at it.
	network := defaultNetworkName
	numNets := 0
	if cfg.MainNet {
		numNets++
	}
	if cfg.TestNet {
		numNets++
		network = "testnet"
	}
	if cfg.RegTest {
		numNets++
		network = "regtest"
	}
	if numNets > 1 {
		return nil, errors.New("the mainnet, testnet and regtest " +
			"params can't be used together -- choose one of the " +
			"three")
	}

	params, err := chainreg.ParamsForNetwork(network)
	if err != nil {
		return nil, err
	}

	// A protocol version override is applied to a copy so the package
	// level params stay untouched.
	if cfg.P2P.ProtocolVersion != 0 {
		override := *params
		override.ProtocolVersion = cfg.P2P.ProtocolVersion
		params = &override
	}
	cfg.ChainParams = params

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on. Data and logs are kept apart per
	// network.
	cfg.QtumsyncDir = qtumsyncDir
	cfg.DataDir = filepath.Join(
		qcfg.CleanAndExpandPath(cfg.DataDir), params.Name,
	)
	cfg.LogDir = filepath.Join(
		qcfg.CleanAndExpandPath(cfg.LogDir), params.Name,
	)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && os.IsExist(err) {
			link, lerr := os.Readlink(pathErr.Path)
			if lerr == nil {
				err = fmt.Errorf("is symlink %s -> %s "+
					"mounted?", pathErr.Path, link)
			}
		}

		return nil, fmt.Errorf("failed to create data directory: %w",
			err)
	}

	if cfg.MaxLogFiles < 0 || cfg.MaxLogFileSize <= 0 {
		return nil, fmt.Errorf("maxlogfiles must not be negative and " +
			"maxlogfilesize must be positive")
	}
	if !build.SupportedLogCompressor(cfg.LogCompressor) {
		return nil, fmt.Errorf("invalid log compressor: %v",
			cfg.LogCompressor)
	}

	if cfg.P2P.UserAgent == "" {
		cfg.P2P.UserAgent = build.UserAgent()
	}

	// Static peers without an explicit port use the network's default.
	for i, addr := range cfg.P2P.Connect {
		cfg.P2P.Connect[i] = params.NormalizeAddr(addr)
	}

	err = qcfg.Validate(
		cfg.P2P, cfg.Sync, cfg.DB, cfg.Prometheus, cfg.HealthChecks,
	)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// initLogging sets up the rotating log file and the subsystem loggers and
// applies the configured debug levels.
func (c *Config) initLogging(interceptor *signal.Interceptor) error {
	var console io.Writer = os.Stdout
	if c.NoLogConsole {
		console = nil
	}
	c.LogWriter = build.NewRotatingLogWriter(console)
	c.SubLogMgr = build.NewSubLoggerManager(c.LogWriter)
	SetupLoggers(c.SubLogMgr, interceptor)

	// Special show command to list supported subsystems and exit.
	if c.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			c.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	err := c.LogWriter.InitLogRotator(
		filepath.Join(c.LogDir, defaultLogFilename),
		c.MaxLogFileSize, c.MaxLogFiles, c.LogCompressor,
	)
	if err != nil {
		return err
	}

	return build.ParseAndSetDebugLevels(c.DebugLevel, c.SubLogMgr)
}
