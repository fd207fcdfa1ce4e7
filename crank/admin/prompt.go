// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// PasswordPrompt reads the admin password from the terminal without echo and
// returns its sha256 hash. The plaintext is zeroed before returning.
func PasswordPrompt(prompt string) (authSHA [32]byte, err error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return authSHA, fmt.Errorf("cannot read password: %w", err)
	}
	defer clear(password)
	if len(password) == 0 {
		return authSHA, errors.New("password must not be empty")
	}
	return sha256.Sum256(password), nil
}
