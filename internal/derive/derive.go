// Package derive computes the deterministic addresses that back a market
// (its vault and its two outcome mints) and issues the capabilities that let
// the holder of the program key act for those addresses.
//
// Address derivation is a pure function of the program address, a tag and a
// market id, so any caller can compute where a market's funds live. Only the
// Authority, built from the program's private key, can produce a Capability
// that a ledger will honour.
package derive

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Tag is the domain separator mixed into a derived address.
type Tag string

const (
	TagMarket     Tag = "market"
	TagVault      Tag = "vault"
	TagOutcomeYes Tag = "outcome_a"
	TagOutcomeNo  Tag = "outcome_b"
	TagTreasury   Tag = "treasury"
)

// Address derives the address for (tag, marketID) under program: the low 20
// bytes of keccak256(program || tag || big-endian marketID).
func Address(program common.Address, tag Tag, marketID uint64) common.Address {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], marketID)
	h := ethcrypto.Keccak256(program.Bytes(), []byte(tag), id[:])
	return common.BytesToAddress(h[12:])
}

// MarketAddresses groups the derived addresses of one market.
type MarketAddresses struct {
	Market     string `json:"market"`
	Vault      string `json:"vault"`
	OutcomeYes string `json:"outcome_mint_yes"`
	OutcomeNo  string `json:"outcome_mint_no"`
}

// ForMarket derives every address belonging to marketID.
func ForMarket(program common.Address, marketID uint64) MarketAddresses {
	return MarketAddresses{
		Market:     Address(program, TagMarket, marketID).Hex(),
		Vault:      Address(program, TagVault, marketID).Hex(),
		OutcomeYes: Address(program, TagOutcomeYes, marketID).Hex(),
		OutcomeNo:  Address(program, TagOutcomeNo, marketID).Hex(),
	}
}

// Capability proves that the program authorised an action for a derived
// address. The zero value is never valid.
type Capability struct {
	address common.Address
	sig     []byte
}

// Address returns the derived address this capability speaks for.
func (c Capability) Address() string {
	return c.address.Hex()
}

// IsZero reports whether c was not issued by an Authority.
func (c Capability) IsZero() bool {
	return len(c.sig) == 0
}

// Verify reports whether c was issued by the key behind program.
func (c Capability) Verify(program common.Address) bool {
	if len(c.sig) != ethcrypto.SignatureLength {
		return false
	}
	pub, err := ethcrypto.SigToPub(capabilityDigest(c.address), c.sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == program
}

func capabilityDigest(addr common.Address) []byte {
	return ethcrypto.Keccak256([]byte("capability"), addr.Bytes())
}

// Authority holds the program key. It is owned by the settlement engine and
// never handed to callers.
type Authority struct {
	key     *ecdsa.PrivateKey
	program common.Address

	mu   sync.Mutex
	caps map[common.Address]Capability
}

// NewAuthority wraps a program private key.
func NewAuthority(key *ecdsa.PrivateKey) (*Authority, error) {
	if key == nil {
		return nil, errors.New("derive: nil program key")
	}
	return &Authority{
		key:     key,
		program: ethcrypto.PubkeyToAddress(key.PublicKey),
		caps:    make(map[common.Address]Capability),
	}, nil
}

// NewAuthorityFromHex parses a hex secp256k1 key (0x prefix optional).
func NewAuthorityFromHex(keyHex string) (*Authority, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("derive: invalid program key: %w", err)
	}
	return NewAuthority(key)
}

// Program returns the program address all derivations are rooted at.
func (a *Authority) Program() common.Address {
	return a.program
}

// Addresses derives the addresses of marketID under this program.
func (a *Authority) Addresses(marketID uint64) MarketAddresses {
	return ForMarket(a.program, marketID)
}

// Capability issues a capability for (tag, marketID). Capabilities are
// deterministic, so they are cached per address.
func (a *Authority) Capability(tag Tag, marketID uint64) (Capability, error) {
	addr := Address(a.program, tag, marketID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.caps[addr]; ok {
		return c, nil
	}

	sig, err := ethcrypto.Sign(capabilityDigest(addr), a.key)
	if err != nil {
		return Capability{}, fmt.Errorf("derive: sign capability for %s: %w", addr.Hex(), err)
	}
	c := Capability{address: addr, sig: sig}
	a.caps[addr] = c
	return c, nil
}
