// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/darkbook/crank/dex/dexnet"
	"github.com/darkbook/crank/dex/utils"
	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	appName         = "crankctl"
	listCmdMessage  = "Specify -l to list available commands"
	requestTimeout  = 30 * time.Second
	jsonIndentation = "  "
)

var version = semver{major: 0, minor: 1, patch: 0}

// semver holds crankctl's semver values.
type semver struct {
	major, minor, patch uint32
}

// String satisfies fmt.Stringer
func (s semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.major, s.minor, s.patch)
}

// command is one admin API call.
type command struct {
	args   []string
	desc   string
	method string
	// path builds the API path and query from the command arguments.
	path   func(args []string) (string, url.Values)
	render func(w io.Writer, b []byte) error
}

func staticPath(p string) func([]string) (string, url.Values) {
	return func([]string) (string, url.Values) { return p, nil }
}

var commands = map[string]*command{
	"ping": {
		desc:   "Check that the admin server is reachable.",
		method: http.MethodGet,
		path:   staticPath("/ping"),
		render: renderString,
	},
	"status": {
		desc:   "Show the matching loop state, counters and in-flight pairs.",
		method: http.MethodGet,
		path:   staticPath("/status"),
		render: renderStatus,
	},
	"endpoints": {
		desc:   "Show the health of every RPC endpoint.",
		method: http.MethodGet,
		path:   staticPath("/endpoints"),
		render: renderEndpoints,
	},
	"switch": {
		args:   []string{"url"},
		desc:   "Make the given RPC endpoint the current one.",
		method: http.MethodPost,
		path: func(args []string) (string, url.Values) {
			return "/endpoints/switch", url.Values{"url": {args[0]}}
		},
		render: renderSwitch,
	},
	"breakers": {
		desc:   "Show the circuit breakers.",
		method: http.MethodGet,
		path:   staticPath("/breakers"),
		render: renderBreakers,
	},
	"reset": {
		args:   []string{"breaker"},
		desc:   "Close the named circuit breaker.",
		method: http.MethodPost,
		path: func(args []string) (string, url.Values) {
			return "/breakers/" + url.PathEscape(args[0]) + "/reset", nil
		},
		render: renderReset,
	},
	"locks": {
		desc:   "Show the order locks.",
		method: http.MethodGet,
		path:   staticPath("/locks"),
		render: renderLocks,
	},
	"cache": {
		desc:   "Show the order cache counters.",
		method: http.MethodGet,
		path:   staticPath("/cache"),
		render: renderCache,
	},
	"balance": {
		args:   []string{"wallet", "token"},
		desc:   "Show a wallet's token balance at the settlement provider.",
		method: http.MethodGet,
		path: func(args []string) (string, url.Values) {
			return "/balance", url.Values{"wallet": {args[0]}, "token": {args[1]}}
		},
		render: renderBalance,
	},
}

// commandUsage is the usage line for a command.
func commandUsage(name string, cmd *command) string {
	usage := name
	for _, a := range cmd.args {
		usage += " <" + a + ">"
	}
	return usage
}

// listCommands lists every command, sorted by name.
func listCommands() string {
	names := utils.MapKeys(commands)
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(&sb, "%-28s %s\n", commandUsage(name, cmd), cmd.desc)
	}
	return sb.String()
}

// adminClient makes authenticated requests to the admin API.
type adminClient struct {
	base string
	pass string
	http *http.Client
}

func newAdminClient(cfg *config, pass string) (*adminClient, error) {
	host, _, err := net.SplitHostPort(cfg.AdminAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid admin address %q: %w", cfg.AdminAddr, err)
	}
	certB, err := os.ReadFile(cfg.AdminCert)
	if err != nil {
		return nil, fmt.Errorf("error reading certificate file: %w", err)
	}
	rootCAs := x509.NewCertPool()
	if ok := rootCAs.AppendCertsFromPEM(certB); !ok {
		return nil, fmt.Errorf("no certificates found in %s", cfg.AdminCert)
	}
	return &adminClient{
		base: "https://" + cfg.AdminAddr + "/api",
		pass: pass,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs:    rootCAs,
					MinVersion: tls.VersionTLS12,
					ServerName: host,
				},
			},
		},
	}, nil
}

// do performs the request and returns the raw JSON response.
func (c *adminClient) do(ctx context.Context, method, path string, q url.Values) (json.RawMessage, error) {
	uri := c.base + path
	if len(q) > 0 {
		uri += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("error constructing request: %w", err)
	}
	// The user is ignored by the server.
	req.SetBasicAuth("", c.pass)
	var raw json.RawMessage
	err = dexnet.Do(req, &raw, dexnet.WithClient(c.http))
	var statusErr *dexnet.StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
		return nil, errors.New("authentication failed, check the admin password")
	}
	return raw, err
}

// runCommand parses the arguments, performs the call and writes the result.
func runCommand(ctx context.Context, c *adminClient, w io.Writer, args []string, printJSON bool) error {
	name := args[0]
	cmd, found := commands[name]
	if !found {
		return fmt.Errorf("unrecognized command %q\n%s", name, listCmdMessage)
	}
	params := args[1:]
	if len(params) != len(cmd.args) {
		return fmt.Errorf("usage: %s", commandUsage(name, cmd))
	}
	path, q := cmd.path(params)
	raw, err := c.do(ctx, cmd.method, path, q)
	if err != nil {
		return err
	}
	if printJSON {
		var dst bytes.Buffer
		if err := json.Indent(&dst, raw, "", jsonIndentation); err != nil {
			return fmt.Errorf("failed to format result: %v", err)
		}
		fmt.Fprintln(w, dst.String())
		return nil
	}
	return cmd.render(w, raw)
}

// readPassword prompts for the admin password.
func readPassword() (string, error) {
	fmt.Print("Admin password: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if len(pass) == 0 {
		return "", errors.New("password must not be empty")
	}
	return string(pass), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, args, stop, err := configure(os.Args[1:])
	if err != nil {
		return fmt.Errorf("unable to configure: %v", err)
	}
	if stop {
		return nil
	}
	if len(args) < 1 {
		return fmt.Errorf("no command specified\n%s", listCmdMessage)
	}
	if _, found := commands[args[0]]; !found {
		return fmt.Errorf("unrecognized command %q\n%s", args[0], listCmdMessage)
	}
	if cfg.NoColor {
		color.NoColor = true
	}

	pass := cfg.AdminPass
	if pass == "" {
		if pass, err = readPassword(); err != nil {
			return fmt.Errorf("cannot use password: %v", err)
		}
	}
	c, err := newAdminClient(cfg, pass)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return runCommand(ctx, c, os.Stdout, args, cfg.PrintJSON)
}
