// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/decred/dcrd/dcrutil/v4"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultAdminAddr      = "127.0.0.1:6542"
	defaultConfigFilename = "crankctl.conf"
	defaultAdminCertFile  = "admin.cert"
)

var (
	appDir            = dcrutil.AppDataDir("crankctl", false)
	crankdAppDir      = dcrutil.AppDataDir("crankd", false)
	defaultConfigPath = filepath.Join(appDir, defaultConfigFilename)
)

// config defines the configuration options for crankctl.
type config struct {
	ShowVersion  bool   `short:"V" long:"version" description:"Display version information and exit"`
	ListCommands bool   `short:"l" long:"listcommands" description:"List all of the supported commands and exit"`
	Config       string `short:"C" long:"config" description:"Path to configuration file"`
	AdminAddr    string `short:"a" long:"adminaddr" description:"Admin server to connect to"`
	AdminPass    string `short:"P" long:"adminpass" default-mask:"-" description:"Admin server password. Prompted for if not set."`
	AdminCert    string `short:"c" long:"admincert" description:"Admin server certificate for validation"`
	PrintJSON    bool   `short:"j" long:"json" description:"Print the JSON response instead of a summary"`
	NoColor      bool   `long:"nocolor" description:"Disable colored output"`
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !errors.Is(err, os.ErrNotExist)
}

// configure reads the config file and then the command line, which takes
// precedence. The remaining arguments are the command. stop is set when a
// help, version or command list request was already answered.
func configure(args []string) (*config, []string, bool, error) {
	stop := true
	cfg := &config{
		Config: defaultConfigPath,
	}
	preParser := flags.NewParser(cfg, flags.HelpFlag)
	_, err := preParser.ParseArgs(args)
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			fmt.Printf("%v\n%s\n", err, listCmdMessage)
			return nil, nil, stop, nil
		}
		return nil, nil, false, err
	}

	// Show the version and exit if the version flag was specified.
	if cfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil, nil, stop, nil
	}

	// Show the available commands and exit if the associated flag was
	// specified.
	if cfg.ListCommands {
		fmt.Print(listCommands())
		return nil, nil, stop, nil
	}

	parser := flags.NewParser(cfg, flags.Default)

	if fileExists(cfg.Config) {
		// Load additional config from file.
		err = flags.NewIniParser(parser).ParseFile(cfg.Config)
		if err != nil {
			return nil, nil, false, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.ParseArgs(args)
	if err != nil {
		return nil, nil, false, err
	}

	switch {
	case cfg.AdminCert != "":
		cfg.AdminCert = cleanAndExpandPath(cfg.AdminCert)
	case fileExists(filepath.Join(appDir, defaultAdminCertFile)):
		cfg.AdminCert = filepath.Join(appDir, defaultAdminCertFile)
	default:
		// crankd writes its generated pair to its own app dir.
		cfg.AdminCert = filepath.Join(crankdAppDir, defaultAdminCertFile)
	}

	if cfg.AdminAddr == "" {
		cfg.AdminAddr = defaultAdminAddr
	}

	return cfg, remainingArgs, false, nil
}

// cleanAndExpandPath expands environment variables and a leading ~ for the
// current user, then cleans the path.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}
	path = os.ExpandEnv(path)
	if rest, ok := strings.CutPrefix(path, "~"); ok && (rest == "" || os.IsPathSeparator(rest[0])) {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		return filepath.Join(home, rest)
	}
	return filepath.Clean(path)
}
