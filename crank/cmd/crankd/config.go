// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/metrics"
	"github.com/darkbook/crank/crank/ordcache"
	"github.com/darkbook/crank/crank/ordlock"
	"github.com/darkbook/crank/crank/pipeline"
	"github.com/darkbook/crank/crank/settle"
	"github.com/darkbook/crank/dex"
	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
	"github.com/shopspring/decimal"
)

const (
	defaultConfigFilename  = "crankd.conf"
	defaultLogFilename     = "crankd.log"
	defaultAdminCertName   = "admin.cert"
	defaultAdminKeyName    = "admin.key"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultMaxLogZips      = 16
	defaultAdminSrvAddr    = "127.0.0.1:6542"
	defaultAdminHost       = "127.0.0.1"
	defaultAdminPort       = "6542"
	defaultCommitment      = string(ledger.Confirmed)
	defaultEndpointWeight  = 1
	defaultSettlement      = settle.LedgerProvider
	defaultBreakerFailures = 5
	defaultBreakerSuccess  = 2
	defaultBreakerReset    = 30 * time.Second
	defaultSubReconnect    = time.Second
	defaultSubMaxAttempts  = 10
	defaultDevLatency      = 500 * time.Millisecond
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("crankd", false)
)

// crankConf is the resolved configuration used to set up the crank.
type crankConf struct {
	Network    dex.Network
	Endpoints  []ledger.EndpointConfig
	WSURL      string
	Commitment ledger.Commitment

	OrderProgram dex.Address
	MPCProgram   dex.Address
	BuilderURL   string
	BuilderKey   string

	ShortLockTTL time.Duration
	LongLockTTL  time.Duration
	CacheTTL     time.Duration

	Pipeline pipeline.Config
	Breaker  breaker.Config
	Failover ledger.FailoverConfig

	SubReconnect   time.Duration
	SubMaxAttempts int

	Settlement string
	Settle     settle.Config

	DevHarness bool
	DevLatency time.Duration

	AdminSrvOn   bool
	AdminSrvAddr string
	AdminSrvPW   []byte
	AdminCert    string
	AdminKey     string

	MetricsNamespace string
	LogMaker         *dex.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}. Use SUBSYS=level pairs for per-subsystem levels, or show to list subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	Devnet   bool `long:"devnet" description:"Use the development network (default mainnet)"`
	Localnet bool `long:"localnet" description:"Use a local test validator (default mainnet)"`

	RPC        []string `long:"rpc" description:"Ledger RPC endpoint as url[,weight]. May be repeated. Higher weights are preferred."`
	WSURL      string   `long:"wsurl" description:"Websocket endpoint for subscriptions. Defaults to the websocket form of the current RPC endpoint."`
	Commitment string   `long:"commitment" description:"Commitment level for reads and confirmations {processed, confirmed, finalized}"`

	OrderProgram string `long:"orderprogram" description:"Program owning the order accounts"`
	MPCProgram   string `long:"mpcprogram" description:"Confidential computation program"`
	BuilderURL   string `long:"builderurl" description:"URL of the transaction builder sidecar"`
	BuilderKey   string `long:"builderkey" description:"API key for the transaction builder sidecar"`

	ShortLockTTL time.Duration `long:"shortlockttl" description:"Lock lifetime for a pair with no computation attached"`
	LongLockTTL  time.Duration `long:"longlockttl" description:"Lock lifetime for a pair with a computation attached"`
	CacheTTL     time.Duration `long:"cachettl" description:"Maximum age of a cached order account"`

	PollInterval      time.Duration `long:"pollinterval" description:"Time between matching cycles"`
	RescanInterval    time.Duration `long:"rescaninterval" description:"Time between full scans of the order program"`
	SubmitTimeout     time.Duration `long:"submittimeout" description:"Timeout for a computation submission"`
	SettleTimeout     time.Duration `long:"settletimeout" description:"Timeout for each settlement transfer"`
	MaxDispatch       int           `long:"maxdispatch" description:"Maximum concurrent computation submissions per cycle"`
	MaxPairsPerCycle  int           `long:"maxpairs" description:"Maximum new match attempts per cycle. 0 is unlimited."`
	MaxConsecutiveErr int           `long:"maxerrors" description:"Consecutive errors after which matching pauses"`
	PauseDuration     time.Duration `long:"pauseduration" description:"How long matching pauses after too many consecutive errors"`

	BreakerFailures  int           `long:"breakerfailures" description:"Consecutive failures that open a circuit breaker"`
	BreakerSuccesses int           `long:"breakersuccesses" description:"Consecutive half-open successes that close a circuit breaker"`
	BreakerReset     time.Duration `long:"breakerreset" description:"Time an open circuit breaker waits before a trial call"`

	FailoverThreshold int           `long:"failoverthreshold" description:"Consecutive endpoint failures that trigger a failover"`
	HealthInterval    time.Duration `long:"healthinterval" description:"Time between endpoint health checks"`
	HealthTimeout     time.Duration `long:"healthtimeout" description:"Timeout for an endpoint health check"`
	RateLimit         float64       `long:"ratelimit" description:"Per-endpoint request rate limit in requests per second. 0 is unlimited."`
	RateBurst         int           `long:"rateburst" description:"Per-endpoint request burst"`

	SubReconnect   time.Duration `long:"subreconnect" description:"First reconnect delay for subscriptions. Doubles with each failed attempt."`
	SubMaxAttempts int           `long:"submaxattempts" description:"Failed subscription connection attempts before giving up"`

	Settlement      string `long:"settlement" description:"Settlement provider {ledger, shielded, simnet}"`
	SettlePrivate   bool   `long:"settleprivate" description:"Request private transfers from the settlement provider"`
	TransferProgram string `long:"transferprogram" description:"Token transfer program for ledger settlement"`
	FlatFee         uint64 `long:"flatfee" description:"Per-transfer fee for ledger settlement, in lamports"`
	RelayerURL      string `long:"relayerurl" description:"Relayer URL for shielded settlement"`
	RelayerKey      string `long:"relayerkey" description:"Relayer API key for shielded settlement"`
	RelayerFeeRate  string `long:"relayerfeerate" description:"Maximum relayer fee as a fraction of the amount, e.g. 0.003"`

	DevHarness bool          `long:"devharness" description:"Use the in-process computation harness and simnet settlement"`
	DevLatency time.Duration `long:"devlatency" description:"Computation latency of the development harness"`

	AdminSrvOn       bool   `long:"adminsrvon" description:"Turn on the admin server."`
	AdminSrvAddr     string `long:"adminsrvaddr" description:"Administration HTTPS server address (default: 127.0.0.1:6542)."`
	AdminSrvPassword string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
	AdminCert        string `long:"admincert" description:"Admin server TLS certificate file"`
	AdminKey         string `long:"adminkey" description:"Admin server TLS private key file"`

	MetricsNamespace string `long:"metricsnamespace" description:"Namespace of the prometheus metrics"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsystems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) (*dex.LoggerMaker, error) {
	lm, err := dex.NewLoggerMaker(backendLog, debugLevel)
	if err != nil {
		return nil, err
	}
	setLogLevels(lm.DefaultLevel)
	for subsysID, lvl := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return nil, fmt.Errorf(str, subsysID, supportedSubsystems())
		}
		setLogLevel(subsysID, lvl)
	}
	return lm, nil
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that include
// a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// parseEndpoint parses an endpoint given as url[,weight].
func parseEndpoint(s string) (ledger.EndpointConfig, error) {
	ec := ledger.EndpointConfig{Weight: defaultEndpointWeight}
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return ec, fmt.Errorf("invalid endpoint %q, expected url[,weight]", s)
	}
	ec.URL = strings.TrimSpace(parts[0])
	if ec.URL == "" {
		return ec, fmt.Errorf("invalid endpoint %q, no url", s)
	}
	if _, err := ledger.WebsocketURL(ec.URL); err != nil {
		return ec, err
	}
	if len(parts) == 2 {
		w, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || w < 0 {
			return ec, fmt.Errorf("invalid weight for endpoint %s: %q", ec.URL, parts[1])
		}
		ec.Weight = w
	}
	return ec, nil
}

func parseCommitment(s string) (ledger.Commitment, error) {
	switch c := ledger.Commitment(strings.ToLower(s)); c {
	case ledger.Processed, ledger.Confirmed, ledger.Finalized:
		return c, nil
	}
	return "", fmt.Errorf("unknown commitment level %q", s)
}

func defaultFlags() flagsData {
	return flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile and LogDir are set relative to AppDataDir.
		// They are not to be set here.
		MaxLogZips:        defaultMaxLogZips,
		DebugLevel:        defaultLogLevel,
		Commitment:        defaultCommitment,
		ShortLockTTL:      ordlock.DefaultShortTTL,
		LongLockTTL:       ordlock.DefaultLongTTL,
		CacheTTL:          ordcache.DefaultMaxTTL,
		PollInterval:      pipeline.DefaultPollInterval,
		RescanInterval:    pipeline.DefaultRescanInterval,
		SubmitTimeout:     pipeline.DefaultSubmitTimeout,
		SettleTimeout:     pipeline.DefaultSettleTimeout,
		MaxDispatch:       pipeline.DefaultMaxDispatch,
		MaxConsecutiveErr: pipeline.DefaultMaxConsecutiveErrors,
		PauseDuration:     pipeline.DefaultPauseDuration,
		BreakerFailures:   defaultBreakerFailures,
		BreakerSuccesses:  defaultBreakerSuccess,
		BreakerReset:      defaultBreakerReset,
		FailoverThreshold: ledger.DefaultMaxConsecutiveFailures,
		HealthInterval:    ledger.DefaultHealthCheckInterval,
		HealthTimeout:     ledger.DefaultHealthCheckTimeout,
		SubReconnect:      defaultSubReconnect,
		SubMaxAttempts:    defaultSubMaxAttempts,
		Settlement:        defaultSettlement,
		DevLatency:        defaultDevLatency,
		AdminSrvAddr:      defaultAdminSrvAddr,
		AdminCert:         defaultAdminCertName,
		AdminKey:          defaultAdminKeyName,
		MetricsNamespace:  metrics.DefaultNamespace,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig(args []string) (*crankConf, error) {
	cfg := defaultFlags()

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it may
	// be necessary adjust the config file location. If the the config file
	// location was not specified on the command line, the default location
	// should be under the non-default appdata directory. However, if the config
	// file was specified on the command line, it should be used regardless of
	// the appdata directory.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return nil, fmt.Errorf("unable to determine working directory: %w", err)
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	// Do not error default config file is missing.
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return nil, err
		}
		// Warn about missing default config file, but continue.
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		// The config file exists, so attempt to parse it.
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.ParseArgs(args)
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	network, err := selectNetwork(&cfg)
	if err != nil {
		return nil, err
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is linked to a
		// directory that does not exist (probably because it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}
		return nil, fmt.Errorf("failed to create home directory: %v", err)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, network.String())

	// Ensure that all specified files are absolute paths, prepending the
	// appdata path if not.
	cfg.AdminCert = cleanAndExpandPath(cfg.AdminCert)
	if !filepath.IsAbs(cfg.AdminCert) {
		cfg.AdminCert = filepath.Join(cfg.AppDataDir, cfg.AdminCert)
	}
	cfg.AdminKey = cleanAndExpandPath(cfg.AdminKey)
	if !filepath.IsAbs(cfg.AdminKey) {
		cfg.AdminKey = filepath.Join(cfg.AppDataDir, cfg.AdminKey)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, err
	}

	crankCfg, err := cfg.resolve(network)
	if err != nil {
		return nil, err
	}
	crankCfg.LogMaker = logMaker
	return crankCfg, nil
}

// selectNetwork returns the network chosen by the network flags.
func selectNetwork(cfg *flagsData) (dex.Network, error) {
	var numNets int
	network := dex.Mainnet
	if cfg.Devnet {
		numNets++
		network = dex.Devnet
	}
	if cfg.Localnet {
		numNets++
		network = dex.Localnet
	}
	if numNets > 1 {
		return network, fmt.Errorf("both devnet and localnet flags specified")
	}
	return network, nil
}

// resolve validates the parsed options and converts them into a crankConf.
func (cfg *flagsData) resolve(network dex.Network) (*crankConf, error) {
	if len(cfg.RPC) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	endpoints := make([]ledger.EndpointConfig, 0, len(cfg.RPC))
	for _, s := range cfg.RPC {
		ec, err := parseEndpoint(s)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ec)
	}
	if cfg.WSURL != "" {
		if _, err := ledger.WebsocketURL(cfg.WSURL); err != nil {
			return nil, err
		}
	}

	commitment, err := parseCommitment(cfg.Commitment)
	if err != nil {
		return nil, err
	}

	if cfg.OrderProgram == "" {
		return nil, fmt.Errorf("no order program specified")
	}
	orderProgram, err := dex.ParseAddress(cfg.OrderProgram)
	if err != nil {
		return nil, fmt.Errorf("invalid order program: %w", err)
	}

	if cfg.ShortLockTTL <= 0 || cfg.LongLockTTL < cfg.ShortLockTTL {
		return nil, fmt.Errorf("invalid lock lifetimes, short %s, long %s", cfg.ShortLockTTL, cfg.LongLockTTL)
	}

	settlement := cfg.Settlement
	var mpcProgram dex.Address
	if cfg.DevHarness {
		if network == dex.Mainnet {
			return nil, fmt.Errorf("the development harness cannot be used on %s", network)
		}
		settlement = settle.SimnetProvider
	} else {
		if cfg.MPCProgram == "" {
			return nil, fmt.Errorf("no computation program specified")
		}
		if mpcProgram, err = dex.ParseAddress(cfg.MPCProgram); err != nil {
			return nil, fmt.Errorf("invalid computation program: %w", err)
		}
		if cfg.BuilderURL == "" {
			return nil, fmt.Errorf("no transaction builder url specified")
		}
	}

	settleCfg := settle.Config{
		FlatFee:    cfg.FlatFee,
		RelayerURL: cfg.RelayerURL,
		RelayerKey: cfg.RelayerKey,
	}
	switch settlement {
	case settle.LedgerProvider:
		if cfg.BuilderURL == "" {
			return nil, fmt.Errorf("ledger settlement requires a transaction builder url")
		}
		if cfg.TransferProgram != "" {
			if settleCfg.TransferProgram, err = dex.ParseAddress(cfg.TransferProgram); err != nil {
				return nil, fmt.Errorf("invalid transfer program: %w", err)
			}
		}
	case settle.ShieldedProvider:
		if cfg.RelayerURL == "" {
			return nil, fmt.Errorf("shielded settlement requires a relayer url")
		}
		if cfg.RelayerFeeRate != "" {
			if settleCfg.FeeRate, err = decimal.NewFromString(cfg.RelayerFeeRate); err != nil {
				return nil, fmt.Errorf("invalid relayer fee rate %q: %w", cfg.RelayerFeeRate, err)
			}
		}
	case settle.SimnetProvider:
		if network == dex.Mainnet {
			return nil, fmt.Errorf("simnet settlement cannot be used on %s", network)
		}
	default:
		return nil, fmt.Errorf("unknown settlement provider %q", settlement)
	}
	visibility := settle.Public
	if cfg.SettlePrivate || settlement == settle.ShieldedProvider {
		visibility = settle.Private
	}

	adminSrvAddr, err := normalizeNetworkAddress(cfg.AdminSrvAddr, defaultAdminHost, defaultAdminPort)
	if err != nil {
		return nil, err
	}

	return &crankConf{
		Network:      network,
		Endpoints:    endpoints,
		WSURL:        cfg.WSURL,
		Commitment:   commitment,
		OrderProgram: orderProgram,
		MPCProgram:   mpcProgram,
		BuilderURL:   cfg.BuilderURL,
		BuilderKey:   cfg.BuilderKey,
		ShortLockTTL: cfg.ShortLockTTL,
		LongLockTTL:  cfg.LongLockTTL,
		CacheTTL:     cfg.CacheTTL,
		Pipeline: pipeline.Config{
			OrderProgram:         orderProgram,
			PollInterval:         cfg.PollInterval,
			RescanInterval:       cfg.RescanInterval,
			SubmitTimeout:        cfg.SubmitTimeout,
			SettleTimeout:        cfg.SettleTimeout,
			MaxDispatch:          cfg.MaxDispatch,
			MaxPairsPerCycle:     cfg.MaxPairsPerCycle,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErr,
			PauseDuration:        cfg.PauseDuration,
			SettleVisibility:     visibility,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.BreakerFailures,
			SuccessThreshold: cfg.BreakerSuccesses,
			ResetTimeout:     cfg.BreakerReset,
		},
		Failover: ledger.FailoverConfig{
			Endpoints:              endpoints,
			MaxConsecutiveFailures: cfg.FailoverThreshold,
			HealthCheckInterval:    cfg.HealthInterval,
			HealthCheckTimeout:     cfg.HealthTimeout,
			RateLimit:              cfg.RateLimit,
			RateBurst:              cfg.RateBurst,
		},
		SubReconnect:     cfg.SubReconnect,
		SubMaxAttempts:   cfg.SubMaxAttempts,
		Settlement:       settlement,
		Settle:           settleCfg,
		DevHarness:       cfg.DevHarness,
		DevLatency:       cfg.DevLatency,
		AdminSrvOn:       cfg.AdminSrvOn,
		AdminSrvAddr:     adminSrvAddr,
		AdminSrvPW:       []byte(cfg.AdminSrvPassword),
		AdminCert:        cfg.AdminCert,
		AdminKey:         cfg.AdminKey,
		MetricsNamespace: cfg.MetricsNamespace,
	}, nil
}
