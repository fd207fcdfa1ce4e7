// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/darkbook/crank/crank/admin"
	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/metrics"
	"github.com/darkbook/crank/crank/mpc"
	"github.com/darkbook/crank/crank/ordcache"
	"github.com/darkbook/crank/crank/order"
	"github.com/darkbook/crank/crank/ordlock"
	"github.com/darkbook/crank/crank/pipeline"
	"github.com/darkbook/crank/crank/settle"
	"github.com/prometheus/client_golang/prometheus"
)

// Breaker names.
const (
	ledgerBreaker = "ledger"
	mpcBreaker    = "mpc"
)

// computer is an mpc.Computer with a run loop.
type computer interface {
	mpc.Computer
	Run(ctx context.Context) error
}

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Printf("Failed to load crankd config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %v", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminSrvPW)
			for i := range cfg.AdminSrvPW {
				cfg.AdminSrvPW[i] = 0
			}
		}
	}

	// Display app version.
	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())
	log.Infof("crank starting for network: %s", cfg.Network)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.MetricsNamespace)

	brkCfg := cfg.Breaker
	brkCfg.IsFailure = ledger.BreakerFailure
	brkCfg.Observer = m.BreakerObserver()
	brkCfg.Logger = subsystemLoggers["BRKR"]
	breakers := breaker.NewSet(&brkCfg)

	fcCfg := cfg.Failover
	fcCfg.Logger = subsystemLoggers["RPC"]
	fcCfg.Observer = m.EndpointObserver()
	fcCfg.OnFailover = m.ObserveFailover
	fc, err := ledger.NewFailoverClient(&fcCfg)
	if err != nil {
		return err
	}
	client := ledger.NewClient(&ledger.ClientConfig{
		Failover:   fc,
		Breaker:    breakers.Get(ledgerBreaker),
		Commitment: cfg.Commitment,
		Logger:     subsystemLoggers["RPC"],
	})

	wsEndpoint := func() string {
		if cfg.WSURL != "" {
			return cfg.WSURL
		}
		u, err := ledger.WebsocketURL(fc.CurrentEndpoint())
		if err != nil {
			log.Errorf("No websocket endpoint for %s: %v", fc.CurrentEndpoint(), err)
		}
		return u
	}
	subCfg := ledger.SubscriptionConfig{
		Endpoint:      wsEndpoint,
		Commitment:    cfg.Commitment,
		ReconnectBase: cfg.SubReconnect,
		MaxAttempts:   cfg.SubMaxAttempts,
	}

	cache := ordcache.New(&ordcache.Config{
		MaxTTL: cfg.CacheTTL,
		Logger: subsystemLoggers["CACH"],
	})
	locks := ordlock.New(&ordlock.Config{
		ShortTTL: cfg.ShortLockTTL,
		LongTTL:  cfg.LongLockTTL,
		Logger:   subsystemLoggers["LOCK"],
	})

	var builder ledger.TxBuilder
	if cfg.BuilderURL != "" {
		builder = ledger.NewRemoteBuilder(cfg.BuilderURL, cfg.BuilderKey)
	}

	var comp computer
	if cfg.DevHarness {
		log.Warnf("Using the development computation harness. Order prices are NOT confidential.")
		comp = mpc.NewHarness(&mpc.HarnessConfig{
			Latency: cfg.DevLatency,
			Logger:  subsystemLoggers["MPC"],
		})
	} else {
		mpcSub := subCfg
		mpcSub.Logger = cfg.LogMaker.SubLogger("SUBS", "mpc")
		comp, err = mpc.NewCluster(&mpc.ClusterConfig{
			Ledger:       client,
			Builder:      builder,
			Program:      cfg.MPCProgram,
			Subscription: mpcSub,
			Breaker:      breakers.Get(mpcBreaker),
			Logger:       subsystemLoggers["MPC"],
		})
		if err != nil {
			return fmt.Errorf("cannot set up computation cluster: %w", err)
		}
	}

	settleCfg := cfg.Settle
	settleCfg.Ledger = client
	settleCfg.Builder = builder
	settleCfg.Logger = subsystemLoggers["STTL"]
	settler, err := settle.New(cfg.Settlement, &settleCfg)
	if err != nil {
		return fmt.Errorf("cannot set up settlement: %w", err)
	}
	log.Infof("Settling with the %s provider", settler.Name())

	pipeCfg := cfg.Pipeline
	pipeCfg.Cache = cache
	pipeCfg.Locks = locks
	pipeCfg.Ledger = client
	pipeCfg.Health = fc
	pipeCfg.Computer = comp
	pipeCfg.Settler = settler
	pipeCfg.Metrics = m
	pipeCfg.Logger = subsystemLoggers["CRNK"]
	pipe, err := pipeline.New(&pipeCfg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(name string, f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
			log.Debugf("%s stopped", name)
		}()
	}

	run("failover client", func() { fc.Run(ctx) })
	run("ledger client", func() { client.Run(ctx) })
	run("order subscription", func() {
		orderSub := subCfg
		program := cfg.OrderProgram
		orderSub.Program = &program
		orderSub.Filters = order.Filters()
		orderSub.OnReconnect = pipe.Wake
		orderSub.Logger = cfg.LogMaker.SubLogger("SUBS", "orders")
		// Matching continues on polling and rescans without the
		// subscription.
		if err := cache.Watch(ctx, &orderSub); err != nil {
			log.Errorf("Order subscription lost: %v", err)
		}
	})
	run("computer", func() {
		if err := comp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Criticalf("Computation backend failed: %v", err)
			requestShutdown()
		}
	})
	run("pipeline", func() {
		if err := pipe.Run(ctx); err != nil {
			log.Criticalf("Pipeline failed: %v", err)
			requestShutdown()
		}
	})

	if cfg.AdminSrvOn {
		core := &crankCore{
			pipe:     pipe,
			fc:       fc,
			breakers: breakers,
			locks:    locks,
			cache:    cache,
			settler:  settler,
		}
		adminServer, err := admin.NewServer(&admin.SrvConfig{
			Crank:   core,
			Addr:    cfg.AdminSrvAddr,
			AuthSHA: adminSrvAuthSHA,
			Cert:    cfg.AdminCert,
			Key:     cfg.AdminKey,
			Metrics: metrics.Handler(reg),
		})
		if err != nil {
			requestShutdown()
			wg.Wait()
			return fmt.Errorf("cannot set up admin server: %v", err)
		}
		run("admin server", func() {
			if err := adminServer.Run(ctx); err != nil {
				log.Errorf("Admin server failed: %v", err)
				requestShutdown()
			}
		})
	}

	log.Info("The crank is running. Hit CTRL+C to quit...")
	<-ctx.Done()

	log.Info("Stopping crank...")
	wg.Wait()
	log.Info("Bye!")

	return nil
}

func main() {
	// Create a context that is canceled when a shutdown request is received
	// via requestShutdown.
	ctx := withShutdownCancel(context.Background())
	// Listen for both interrupt signals (e.g. CTRL+C) and shutdown requests
	// (requestShutdown calls).
	go shutdownListener()

	err := mainCore(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
