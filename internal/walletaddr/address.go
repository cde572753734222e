// Package walletaddr derives a coinbase output scriptPubKey from the pool's
// configured payout address, failing closed on any address form it cannot
// validate locally.
package walletaddr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptForAddress validates addr against params (mainnet/testnet/etc.) and
// returns the corresponding scriptPubKey. It accepts base58 P2PKH/P2SH
// addresses and bech32/bech32m segwit addresses; any other form, or an
// address that fails IsForNet, is rejected so startup can fail loudly
// rather than mine into an unspendable output.
func ScriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("walletaddr: empty address")
	}
	if params == nil {
		return nil, errors.New("walletaddr: nil network params")
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("walletaddr: decode address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("walletaddr: address %q is not valid for network %s", addr, params.Name)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("walletaddr: pay-to-addr script for %q: %w", addr, err)
	}
	return script, nil
}
