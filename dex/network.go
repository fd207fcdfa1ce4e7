// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"strings"
)

// Network identifies the ledger cluster the crank operates against.
type Network uint8

const (
	Mainnet Network = iota
	Devnet
	Localnet
)

// String returns the string representation of a Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Devnet:
		return "devnet"
	case Localnet:
		return "localnet"
	}
	return ""
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch strings.ToLower(net) {
	case "mainnet", "mainnet-beta":
		return Mainnet, nil
	case "devnet", "testnet":
		return Devnet, nil
	case "localnet", "localhost", "simnet":
		return Localnet, nil
	}
	return 255, fmt.Errorf("unknown network %s", net)
}
