// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"crypto/elliptic"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/decred/dcrd/certgen"
)

const (
	certOrganization = "crank autogenerated cert"
	certValidity     = 10 * 365 * 24 * time.Hour
)

// GenCertPair writes a self-signed certificate and key. The hosts are added
// to the certificate's names.
func GenCertPair(certFile, keyFile string, hosts []string) error {
	log.Infof("Generating TLS certificates for %v...", hosts)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P256(), certOrganization,
		time.Now().Add(certValidity), hosts)
	if err != nil {
		return err
	}
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}
	log.Infof("Wrote %s and %s", certFile, keyFile)
	return nil
}

// ensureCertPair generates the pair for the listen address when both files
// are missing. A lone cert or key is an error, since regenerating would
// orphan the file clients already trust.
func ensureCertPair(certFile, keyFile, addr string) error {
	certExists, keyExists := fileExists(certFile), fileExists(keyFile)
	switch {
	case certExists && keyExists:
		return nil
	case certExists || keyExists:
		return fmt.Errorf("only one of %s and %s exists", certFile, keyFile)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	var hosts []string
	if host != "" {
		hosts = append(hosts, host)
	}
	return GenCertPair(certFile, keyFile, hosts)
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !errors.Is(err, os.ErrNotExist)
}
