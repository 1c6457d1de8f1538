package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

// Settlement authorizations are EIP-712 typed data, so wallets that speak
// eth_signTypedData_v4 can produce them.
var (
	// EIP712Domain(string name,string version,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,address verifyingContract)"),
	)

	// Settle(uint256 marketId,uint8 outcome,address authority)
	settleTypeHash = ethcrypto.Keccak256(
		[]byte("Settle(uint256 marketId,uint8 outcome,address authority)"),
	)
)

const (
	domainName    = "marketsettle"
	domainVersion = "1"
)

// SettlementDigest is the EIP-712 digest an authority signs to settle
// marketID with outcome. program binds the signature to one deployment.
func SettlementDigest(program common.Address, marketID uint64, outcome domain.Outcome, authority common.Address) []byte {
	domainSep := ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			common.LeftPadBytes(program.Bytes(), 32),
		),
	)
	structHash := ethcrypto.Keccak256(
		concatBytes(
			settleTypeHash,
			bigIntTo32Bytes(new(big.Int).SetUint64(marketID)),
			bigIntTo32Bytes(big.NewInt(int64(outcome))),
			common.LeftPadBytes(authority.Bytes(), 32),
		),
	)
	return eip712Hash(domainSep, structHash)
}

// Signer signs settlement authorizations with an authority's key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	program    common.Address
}

// NewSigner creates a Signer for a hex secp256k1 key (0x optional) that
// signs for the deployment at program.
func NewSigner(privateKeyHex string, program common.Address) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		program:    program,
	}, nil
}

// Address returns the signer's address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignSettlement returns a 0x-prefixed 65-byte signature with v in {27,28}.
func (s *Signer) SignSettlement(marketID uint64, outcome domain.Outcome) (string, error) {
	if !outcome.Decided() {
		return "", fmt.Errorf("crypto/signer: %w: %s", domain.ErrInvalidOutcome, outcome)
	}
	sig, err := ethcrypto.Sign(SettlementDigest(s.program, marketID, outcome, s.address), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifySettlement checks that sigHex was produced by authority for
// (marketID, outcome). It returns domain.ErrInvalidSignature otherwise.
func VerifySettlement(program common.Address, marketID uint64, outcome domain.Outcome, authority string, sigHex string) error {
	if !common.IsHexAddress(authority) {
		return fmt.Errorf("crypto/signer: %w: authority %q is not an address", domain.ErrInvalidSignature, authority)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return fmt.Errorf("crypto/signer: %w: malformed signature", domain.ErrInvalidSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	want := common.HexToAddress(authority)
	pub, err := ethcrypto.SigToPub(SettlementDigest(program, marketID, outcome, want), sig)
	if err != nil {
		return fmt.Errorf("crypto/signer: %w: %v", domain.ErrInvalidSignature, err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != want {
		return fmt.Errorf("crypto/signer: %w: signed by %s", domain.ErrInvalidSignature, got.Hex())
	}
	return nil
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
