// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/settle"
	"github.com/darkbook/crank/dex"
	"github.com/decred/slog"
)

var (
	tOrderProgram = dex.Address{0x01, 0x02}.String()
	tMPCProgram   = dex.Address{0x03, 0x04}.String()
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		url     string
		weight  int
		wantErr bool
	}{
		{in: "https://rpc.example.com", url: "https://rpc.example.com", weight: 1},
		{in: "https://rpc.example.com, 5", url: "https://rpc.example.com", weight: 5},
		{in: "ws://127.0.0.1:8900,0", url: "ws://127.0.0.1:8900", weight: 0},
		{in: "", wantErr: true},
		{in: "ftp://rpc.example.com", wantErr: true},
		{in: "https://rpc.example.com,x", wantErr: true},
		{in: "https://rpc.example.com,-1", wantErr: true},
		{in: "https://rpc.example.com,1,2", wantErr: true},
	}
	for _, tt := range tests {
		ec, err := parseEndpoint(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: no error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if ec.URL != tt.url || ec.Weight != tt.weight {
			t.Errorf("%q: got %s with weight %d", tt.in, ec.URL, ec.Weight)
		}
	}
}

func TestNormalizeNetworkAddress(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "", want: "127.0.0.1:6542"},
		{in: "0.0.0.0", want: "0.0.0.0:6542"},
		{in: ":7000", want: "127.0.0.1:7000"},
		{in: "localhost:7000", want: "localhost:7000"},
		{in: "https://localhost:7000", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeNetworkAddress(tt.in, defaultAdminHost, defaultAdminPort)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: wantErr = %t, got %v", tt.in, tt.wantErr, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("%q: wanted %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestSelectNetwork(t *testing.T) {
	cfg := defaultFlags()
	if net, err := selectNetwork(&cfg); err != nil || net != dex.Mainnet {
		t.Fatalf("default network: %s, %v", net, err)
	}
	cfg.Localnet = true
	if net, err := selectNetwork(&cfg); err != nil || net != dex.Localnet {
		t.Fatalf("localnet: %s, %v", net, err)
	}
	cfg.Devnet = true
	if _, err := selectNetwork(&cfg); err == nil {
		t.Fatalf("no error for two networks")
	}
}

func validFlags() flagsData {
	cfg := defaultFlags()
	cfg.RPC = []string{"https://a.example.com,1", "https://b.example.com,3"}
	cfg.OrderProgram = tOrderProgram
	cfg.MPCProgram = tMPCProgram
	cfg.BuilderURL = "http://127.0.0.1:8080"
	return cfg
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		net     dex.Network
		mod     func(*flagsData)
		wantErr string
		check   func(*testing.T, *crankConf)
	}{
		{
			name: "defaults",
			net:  dex.Mainnet,
			mod:  func(*flagsData) {},
			check: func(t *testing.T, c *crankConf) {
				if len(c.Endpoints) != 2 || c.Endpoints[1].Weight != 3 {
					t.Fatalf("wrong endpoints %+v", c.Endpoints)
				}
				if c.Commitment != ledger.Confirmed {
					t.Fatalf("wrong commitment %s", c.Commitment)
				}
				if c.Settlement != settle.LedgerProvider || c.Pipeline.SettleVisibility != settle.Public {
					t.Fatalf("wrong settlement %s / %s", c.Settlement, c.Pipeline.SettleVisibility)
				}
				if c.Pipeline.OrderProgram.String() != tOrderProgram || c.MPCProgram.String() != tMPCProgram {
					t.Fatalf("wrong programs")
				}
				if c.AdminSrvAddr != defaultAdminSrvAddr {
					t.Fatalf("wrong admin address %s", c.AdminSrvAddr)
				}
				if c.Failover.MaxConsecutiveFailures != ledger.DefaultMaxConsecutiveFailures {
					t.Fatalf("wrong failover threshold %d", c.Failover.MaxConsecutiveFailures)
				}
			},
		},
		{
			name:    "no endpoints",
			mod:     func(c *flagsData) { c.RPC = nil },
			wantErr: "no rpc endpoints",
		},
		{
			name:    "bad order program",
			mod:     func(c *flagsData) { c.OrderProgram = "0OIl" },
			wantErr: "invalid order program",
		},
		{
			name:    "no computation program",
			mod:     func(c *flagsData) { c.MPCProgram = "" },
			wantErr: "no computation program",
		},
		{
			name:    "bad commitment",
			mod:     func(c *flagsData) { c.Commitment = "final" },
			wantErr: "unknown commitment",
		},
		{
			name:    "bad lock lifetimes",
			mod:     func(c *flagsData) { c.LongLockTTL = time.Second },
			wantErr: "invalid lock lifetimes",
		},
		{
			name:    "harness on mainnet",
			mod:     func(c *flagsData) { c.DevHarness = true },
			wantErr: "cannot be used on mainnet",
		},
		{
			name: "harness on localnet",
			net:  dex.Localnet,
			mod: func(c *flagsData) {
				c.DevHarness = true
				c.MPCProgram = ""
				c.BuilderURL = ""
			},
			check: func(t *testing.T, c *crankConf) {
				if c.Settlement != settle.SimnetProvider || !c.DevHarness {
					t.Fatalf("harness not configured")
				}
			},
		},
		{
			name: "shielded",
			mod: func(c *flagsData) {
				c.Settlement = settle.ShieldedProvider
				c.RelayerURL = "https://relayer.example.com"
				c.RelayerFeeRate = "0.001"
			},
			check: func(t *testing.T, c *crankConf) {
				if c.Pipeline.SettleVisibility != settle.Private {
					t.Fatalf("shielded settlement not private")
				}
				if c.Settle.FeeRate.String() != "0.001" {
					t.Fatalf("wrong fee rate %s", c.Settle.FeeRate)
				}
			},
		},
		{
			name:    "shielded without relayer",
			mod:     func(c *flagsData) { c.Settlement = settle.ShieldedProvider },
			wantErr: "requires a relayer",
		},
		{
			name: "bad fee rate",
			mod: func(c *flagsData) {
				c.Settlement = settle.ShieldedProvider
				c.RelayerURL = "https://relayer.example.com"
				c.RelayerFeeRate = "cheap"
			},
			wantErr: "invalid relayer fee rate",
		},
		{
			name:    "unknown provider",
			mod:     func(c *flagsData) { c.Settlement = "barter" },
			wantErr: "unknown settlement provider",
		},
		{
			name:    "simnet on mainnet",
			mod:     func(c *flagsData) { c.Settlement = settle.SimnetProvider },
			wantErr: "cannot be used on mainnet",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validFlags()
			tt.mod(&cfg)
			c, err := cfg.resolve(tt.net)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("wanted error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestParseAndSetDebugLevels(t *testing.T) {
	defer setLogLevels(slog.LevelInfo)

	lm, err := parseAndSetDebugLevels("warn,CRNK=trace")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if lm.DefaultLevel != slog.LevelWarn {
		t.Fatalf("wrong default level %s", lm.DefaultLevel)
	}
	if lvl := subsystemLoggers["CRNK"].Level(); lvl != slog.LevelTrace {
		t.Fatalf("CRNK level not set, %s", lvl)
	}
	if lvl := subsystemLoggers["RPC"].Level(); lvl != slog.LevelWarn {
		t.Fatalf("RPC level not set, %s", lvl)
	}
	if _, err := parseAndSetDebugLevels("NOPE=debug"); err == nil {
		t.Fatalf("no error for unknown subsystem")
	}
}

func TestLoadConfig(t *testing.T) {
	appData := t.TempDir()
	conf := strings.Join([]string{
		"[Application Options]",
		"rpc=https://a.example.com,2",
		"rpc=https://b.example.com",
		"orderprogram=" + tOrderProgram,
		"devharness=true",
		"pollinterval=5s",
		"adminsrvaddr=127.0.0.1:7000",
	}, "\n")
	if err := os.WriteFile(filepath.Join(appData, defaultConfigFilename), []byte(conf), 0600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
			logRotator = nil
		}
	}()

	cfg, err := loadConfig([]string{"--appdata=" + appData, "--localnet", "--pollinterval=3s"})
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.Network != dex.Localnet {
		t.Fatalf("wrong network %s", cfg.Network)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("wrong number of endpoints %d", len(cfg.Endpoints))
	}
	// The command line takes precedence over the file.
	if cfg.Pipeline.PollInterval != 3*time.Second {
		t.Fatalf("wrong poll interval %s", cfg.Pipeline.PollInterval)
	}
	if cfg.AdminSrvAddr != "127.0.0.1:7000" {
		t.Fatalf("wrong admin address %s", cfg.AdminSrvAddr)
	}
	if cfg.AdminCert != filepath.Join(appData, defaultAdminCertName) {
		t.Fatalf("admin cert not in app data dir: %s", cfg.AdminCert)
	}
	if cfg.LogMaker == nil {
		t.Fatalf("no logger maker")
	}
	if _, err := os.Stat(filepath.Join(appData, defaultLogDirname, dex.Localnet.String())); err != nil {
		t.Fatalf("log directory not created: %v", err)
	}

	// A non-default config file must exist.
	if _, err := loadConfig([]string{"--appdata=" + appData, "--configfile=missing.conf"}); err == nil {
		t.Fatalf("no error for missing config file")
	}
}

func TestResetBreaker(t *testing.T) {
	set := breaker.NewSet(&breaker.Config{FailureThreshold: 1})
	set.Get(ledgerBreaker).Trip()
	core := &crankCore{breakers: set}
	if core.ResetBreaker("unknown") {
		t.Fatalf("unknown breaker reset")
	}
	if len(set.Snapshot()) != 1 {
		t.Fatalf("unknown breaker was created")
	}
	if !core.ResetBreaker(ledgerBreaker) {
		t.Fatalf("breaker not reset")
	}
	if st := set.Get(ledgerBreaker).State(); st != breaker.Closed {
		t.Fatalf("breaker state %s after reset", st)
	}
}
