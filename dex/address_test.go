// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
)

func TestAddressText(t *testing.T) {
	const systemProgram = "11111111111111111111111111111111"
	a, err := ParseAddress(systemProgram)
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	if !a.IsZero() {
		t.Fatalf("system program should be the zero address")
	}
	if a.String() != systemProgram {
		t.Fatalf("round trip mismatch: %s", a)
	}

	var b Address
	for i := range b {
		b[i] = byte(i + 1)
	}
	js, err := json.Marshal(map[string]Address{"addr": b})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]Address
	if err := json.Unmarshal(js, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if m["addr"] != b {
		t.Fatalf("JSON round trip mismatch")
	}

	for _, bad := range []string{"", "0OIl", "1111", b.String() + "2"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("no error parsing %q", bad)
		}
	}
}

func TestOnCurve(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !OnCurve(pub) {
		t.Fatalf("ed25519 public key reported off curve")
	}
	if OnCurve(pub[:31]) {
		t.Fatalf("short slice reported on curve")
	}
}

func TestFindProgramAddress(t *testing.T) {
	var program Address
	program[0] = 0xaa
	seeds := [][]byte{[]byte("computation"), {1, 0, 0, 0, 0, 0, 0, 0}}

	pda, bump, err := FindProgramAddress(seeds, program)
	if err != nil {
		t.Fatalf("FindProgramAddress error: %v", err)
	}
	if OnCurve(pda[:]) {
		t.Fatalf("derived address is on the curve")
	}
	again, bump2, _ := FindProgramAddress(seeds, program)
	if again != pda || bump2 != bump {
		t.Fatalf("derivation not deterministic")
	}
	direct, err := CreateProgramAddress(append(seeds, []byte{bump}), program)
	if err != nil {
		t.Fatalf("CreateProgramAddress error: %v", err)
	}
	if direct != pda {
		t.Fatalf("bump does not reproduce the address")
	}

	var other Address
	other[0] = 0xbb
	if pda2, _, _ := FindProgramAddress(seeds, other); pda2 == pda {
		t.Fatalf("different programs gave the same address")
	}

	if _, err := CreateProgramAddress([][]byte{make([]byte, MaxSeedLength+1)}, program); err == nil {
		t.Fatalf("no error for long seed")
	}
	if _, err := CreateProgramAddress(make([][]byte, MaxSeeds+1), program); err == nil {
		t.Fatalf("no error for too many seeds")
	}
}

func TestNetFromString(t *testing.T) {
	for s, want := range map[string]Network{
		"mainnet-beta": Mainnet,
		"Devnet":       Devnet,
		"localhost":    Localnet,
	} {
		n, err := NetFromString(s)
		if err != nil || n != want {
			t.Errorf("%s: got %v, %v", s, n, err)
		}
	}
	if _, err := NetFromString("regtest"); err == nil {
		t.Errorf("no error for unknown network")
	}
}

func TestErrorWrapping(t *testing.T) {
	const errKind = ErrorKind("kind")
	err := NewError(errKind, "detail")
	if !errors.Is(err, errKind) {
		t.Fatalf("wrapped kind not found")
	}
	if err.Error() != "kind: detail" {
		t.Fatalf("wrong message %q", err.Error())
	}
}
