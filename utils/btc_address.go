package utils

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown bitcoin network %q", network)
}

// AddressDeriver hands out deposit addresses from an extended public or
// private key. Private keys never leave this type.
type AddressDeriver struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chaincfg.Params
}

func NewAddressDeriver(masterKeyStr string, params *chaincfg.Params) (*AddressDeriver, error) {
	masterKey, err := hdkeychain.NewKeyFromString(masterKeyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	return &AddressDeriver{masterKey: masterKey, params: params}, nil
}

func (d *AddressDeriver) Derive(index uint32) (string, error) {
	child, err := d.masterKey.Derive(index)
	if err != nil {
		return "", fmt.Errorf("failed to derive child key %d: %w", index, err)
	}

	addr, err := child.Address(d.params)
	if err != nil {
		return "", fmt.Errorf("failed to build address for index %d: %w", index, err)
	}
	return addr.EncodeAddress(), nil
}

func ValidateBTCAddress(address string, params *chaincfg.Params) error {
	addr, err := btcutil.DecodeAddress(strings.TrimSpace(address), params)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address: %w", err)
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("address %s is not for %s", address, params.Name)
	}
	return nil
}
