package common

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/lightsparkdev/spark-wallet/common/keys"
)

// A spark address is the bech32m encoding of a wallet's identity public key,
// with a network-specific human readable prefix. It is what a sender needs to
// address a leaf transfer to this wallet.

func NetworkToHrp(network Network) (string, error) {
	switch network {
	case Regtest:
		return "sprt", nil
	case Testnet:
		return "spt", nil
	case Signet:
		return "sps", nil
	case Mainnet:
		return "sp", nil
	default:
		return "", fmt.Errorf("unknown network: %v", network)
	}
}

func HrpToNetwork(hrp string) Network {
	switch hrp {
	case "spl": // for local testing
		return Regtest
	case "sprt":
		return Regtest
	case "spt":
		return Testnet
	case "sps":
		return Signet
	case "sp":
		return Mainnet
	}
	return Unspecified
}

// EncodeSparkAddress encodes an identity public key as a spark address.
func EncodeSparkAddress(identityPublicKey keys.Public, network Network) (string, error) {
	if identityPublicKey.IsZero() {
		return "", fmt.Errorf("identity public key is required")
	}

	// Convert 8-bit bytes to 5-bit bech32 data
	bech32Data, err := bech32.ConvertBits(identityPublicKey.Serialize(), 8, 5, true)
	if err != nil {
		return "", err
	}

	hrp, err := NetworkToHrp(network)
	if err != nil {
		return "", err
	}

	return bech32.EncodeM(hrp, bech32Data)
}

// DecodedSparkAddress is the result of decoding a spark address.
type DecodedSparkAddress struct {
	IdentityPublicKey keys.Public
	Network           Network
}

// DecodeSparkAddress decodes a spark address into its identity public key and
// network.
func DecodeSparkAddress(address string) (*DecodedSparkAddress, error) {
	hrp, data, err := bech32.DecodeNoLimit(address)
	if err != nil {
		return nil, err
	}

	network := HrpToNetwork(hrp)
	if network == Unspecified {
		return nil, fmt.Errorf("unknown network prefix: %s", hrp)
	}

	// Convert 5-bit bech32 data to 8-bit bytes
	byteData, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}

	identityKey, err := keys.ParsePublicKey(byteData)
	if err != nil {
		return nil, fmt.Errorf("spark address payload is not a valid public key: %w", err)
	}

	return &DecodedSparkAddress{
		IdentityPublicKey: identityKey,
		Network:           network,
	}, nil
}
