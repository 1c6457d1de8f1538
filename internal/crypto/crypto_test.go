package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

var program = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestEncryptDecryptKey(t *testing.T) {
	keyHex, err := GenerateKey()
	require.NoError(t, err)

	blob, err := EncryptKey("0x"+keyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, keyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	_, err = EncryptKey(keyHex, "")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	keyHex, err := GenerateKey()
	require.NoError(t, err)

	blob, err := EncryptKey(keyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "program.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	tests := []struct {
		name    string
		cfg     KeyConfig
		wantErr bool
	}{
		{"raw key wins", KeyConfig{RawPrivateKey: "0x" + keyHex, EncryptedKeyPath: "/does/not/exist"}, false},
		{"encrypted file", KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"}, false},
		{"bad raw hex", KeyConfig{RawPrivateKey: "zz"}, true},
		{"missing file", KeyConfig{EncryptedKeyPath: filepath.Join(t.TempDir(), "nope"), KeyPassword: "pw"}, true},
		{"nothing configured", KeyConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadKey(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, keyHex, got)

			pk, err := LoadPrivateKey(tt.cfg)
			require.NoError(t, err)
			assert.NotNil(t, pk)
		})
	}
}

func TestSettlementSignature(t *testing.T) {
	keyHex, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(keyHex, program)
	require.NoError(t, err)
	authority := s.Address().Hex()

	sig, err := s.SignSettlement(7, domain.OutcomeYes)
	require.NoError(t, err)
	require.NoError(t, VerifySettlement(program, 7, domain.OutcomeYes, authority, sig))

	otherKey, err := GenerateKey()
	require.NoError(t, err)
	other, err := NewSigner(otherKey, program)
	require.NoError(t, err)

	tests := []struct {
		name      string
		program   common.Address
		marketID  uint64
		outcome   domain.Outcome
		authority string
		sig       string
	}{
		{"other outcome", program, 7, domain.OutcomeNo, authority, sig},
		{"other market", program, 8, domain.OutcomeYes, authority, sig},
		{"other deployment", common.HexToAddress("0xbb"), 7, domain.OutcomeYes, authority, sig},
		{"other authority", program, 7, domain.OutcomeYes, other.Address().Hex(), sig},
		{"malformed", program, 7, domain.OutcomeYes, authority, "0x1234"},
		{"not an address", program, 7, domain.OutcomeYes, "alice", sig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySettlement(tt.program, tt.marketID, tt.outcome, tt.authority, tt.sig)
			assert.ErrorIs(t, err, domain.ErrInvalidSignature)
		})
	}

	_, err = s.SignSettlement(7, domain.OutcomeUnset)
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
}
