package loadgen

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Generate creates n wallet-only identities backed by fresh secp256k1 keys,
// so every address is unique and checksummed.
func Generate(n int) ([]Identity, error) {
	out := make([]Identity, 0, n)
	for range n {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		out = append(out, Identity{Address: crypto.PubkeyToAddress(key.PublicKey).Hex()})
	}
	return out, nil
}
