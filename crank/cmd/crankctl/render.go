// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/darkbook/crank/crank/admin"
	"github.com/darkbook/crank/crank/breaker"
	"github.com/darkbook/crank/crank/ledger"
	"github.com/darkbook/crank/crank/ordcache"
	"github.com/darkbook/crank/crank/pipeline"
	"github.com/fatih/color"
)

var (
	good = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

func renderString(w io.Writer, b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("failed to unmarshal result: %v", err)
	}
	fmt.Fprintln(w, s)
	return nil
}

func runState(s pipeline.RunState) string {
	switch s {
	case pipeline.Running:
		return good(s)
	case pipeline.Paused:
		return warn(s)
	}
	return bad(s)
}

func renderStatus(w io.Writer, b []byte) error {
	var st pipeline.Status
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("failed to unmarshal status: %v", err)
	}
	state := runState(st.State)
	if st.PausedUntil != nil {
		state += fmt.Sprintf(" until %s", st.PausedUntil.Format(time.RFC3339))
	}
	m := st.Metrics
	errs := fmt.Sprint(m.ConsecutiveErrors)
	if m.ConsecutiveErrors > 0 {
		errs = warn(errs)
	}
	fmt.Fprintf(w, "%s %s\n", bold("State:"), state)
	fmt.Fprintf(w, "%s polls %d, attempts %d, successes %d, failures %d, consecutive errors %s\n",
		bold("Matching:"), m.Polls, m.MatchAttempts, m.Successes, m.Failures, errs)
	fmt.Fprintf(w, "%s %d open, %d pending matches, %d orphaned completions\n",
		bold("Orders:"), m.OpenOrderCount, m.PendingMatches, m.OrphanedCompletions)
	if st.Config != nil {
		fmt.Fprintf(w, "%s %s settlement, poll %s, rescan %s, dispatch %d\n", bold("Config:"),
			st.Config.Settlement, st.Config.PollInterval, st.Config.RescanInterval, st.Config.MaxDispatch)
	}
	if len(st.Pairs) == 0 {
		return nil
	}
	fmt.Fprintln(w, bold("Pairs:"))
	for _, p := range st.Pairs {
		fmt.Fprintf(w, "  %s / %s  %-10s %s  %s\n", p.Buy, p.Sell, p.State, p.Market, p.ComputationRef)
	}
	return nil
}

func renderEndpoints(w io.Writer, b []byte) error {
	var h ledger.Health
	if err := json.Unmarshal(b, &h); err != nil {
		return fmt.Errorf("failed to unmarshal endpoint health: %v", err)
	}
	fmt.Fprintf(w, "%s %d\n", bold("Slot:"), h.CurrentSlot)
	for _, ep := range h.Endpoints {
		health := good("healthy")
		if !ep.Healthy {
			health = bad("unhealthy")
		}
		marker := " "
		if ep.Current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-40s weight %-3d %s  %dms, %d failures\n",
			marker, ep.URL, ep.Weight, health, ep.LatencyMs, ep.ConsecutiveFailures)
	}
	return nil
}

func renderSwitch(w io.Writer, b []byte) error {
	var res admin.SwitchResult
	if err := json.Unmarshal(b, &res); err != nil {
		return fmt.Errorf("failed to unmarshal result: %v", err)
	}
	fmt.Fprintf(w, "Switched to %s\n", res.URL)
	return nil
}

func breakerState(s breaker.State) string {
	switch s {
	case breaker.Closed:
		return good(s)
	case breaker.HalfOpen:
		return warn(s)
	}
	return bad(s)
}

func renderBreakers(w io.Writer, b []byte) error {
	var stats []breaker.Stats
	if err := json.Unmarshal(b, &stats); err != nil {
		return fmt.Errorf("failed to unmarshal breakers: %v", err)
	}
	for _, st := range stats {
		fmt.Fprintf(w, "%-12s %s  %d failures, %d calls, %d rejected\n",
			st.Name, breakerState(st.State), st.Failures, st.Calls, st.Rejected)
	}
	return nil
}

func renderReset(w io.Writer, b []byte) error {
	var res admin.ResetResult
	if err := json.Unmarshal(b, &res); err != nil {
		return fmt.Errorf("failed to unmarshal result: %v", err)
	}
	fmt.Fprintf(w, "Breaker %s reset\n", res.Breaker)
	return nil
}

func renderLocks(w io.Writer, b []byte) error {
	var res admin.LocksResult
	if err := json.Unmarshal(b, &res); err != nil {
		return fmt.Errorf("failed to unmarshal locks: %v", err)
	}
	if res.Stats != nil {
		fmt.Fprintf(w, "%s %d locked orders, %d pairs awaiting a computation, oldest %s\n",
			bold("Locks:"), res.Stats.Count, res.Stats.PendingPairs, res.Stats.OldestAge)
	}
	for _, l := range res.Locks {
		comp := l.ComputationRef
		if comp == "" {
			comp = warn("no computation")
		}
		fmt.Fprintf(w, "  %s <-> %s  %s  since %s\n", l.Ref, l.Partner, comp, l.LockedAt.Format(time.RFC3339))
	}
	return nil
}

func renderCache(w io.Writer, b []byte) error {
	var st ordcache.Stats
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("failed to unmarshal cache stats: %v", err)
	}
	fmt.Fprintf(w, "%s %d entries, %d hits, %d misses, %d sets, %d stale writes rejected\n",
		bold("Cache:"), st.Entries, st.Hits, st.Misses, st.Sets, st.StaleRejects)
	reasons := make([]string, 0, len(st.Invalidations))
	for r := range st.Invalidations {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  invalidated (%s): %d\n", r, st.Invalidations[ordcache.Reason(r)])
	}
	return nil
}

func renderBalance(w io.Writer, b []byte) error {
	var res admin.BalanceResult
	if err := json.Unmarshal(b, &res); err != nil {
		return fmt.Errorf("failed to unmarshal balance: %v", err)
	}
	if res.Balance == nil {
		fmt.Fprintf(w, "%s holds no %s\n", res.Wallet, res.Token)
		return nil
	}
	fmt.Fprintf(w, "%s: %d of %s\n", res.Wallet, *res.Balance, res.Token)
	return nil
}
