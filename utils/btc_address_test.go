package utils

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

func TestAddressDeriverIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}

	d1, err := NewAddressDeriver(master.String(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	d2, err := NewAddressDeriver(master.String(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}

	a0, err := d1.Derive(0)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b0, _ := d2.Derive(0)
	a1, _ := d1.Derive(1)
	if a0 != b0 {
		t.Fatalf("same key and index must give the same address: %s vs %s", a0, b0)
	}
	if a0 == a1 {
		t.Fatalf("different indexes must give different addresses")
	}
	if err := ValidateBTCAddress(a0, &chaincfg.TestNet3Params); err != nil {
		t.Fatalf("derived address must validate: %v", err)
	}
}

func TestValidateBTCAddress(t *testing.T) {
	genesis := "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	if err := ValidateBTCAddress(genesis, &chaincfg.MainNetParams); err != nil {
		t.Fatalf("expected genesis address to validate on mainnet: %v", err)
	}
	if err := ValidateBTCAddress(genesis, &chaincfg.TestNet3Params); err == nil {
		t.Fatalf("mainnet address must not validate on testnet")
	}
	if err := ValidateBTCAddress("not-an-address", &chaincfg.MainNetParams); err == nil {
		t.Fatalf("garbage must not validate")
	}
}

func TestNetParams(t *testing.T) {
	p, err := NetParams("testnet3")
	if err != nil || p.Name != chaincfg.TestNet3Params.Name {
		t.Fatalf("expected testnet3 params, got %v %v", p, err)
	}
	if _, err := NetParams("dogecoin"); err == nil {
		t.Fatalf("expected error for unknown network")
	}
}
