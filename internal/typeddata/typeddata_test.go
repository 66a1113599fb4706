package typeddata

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

var (
	testModule = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testWallet = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
)

func pad32(b []byte) []byte { return common.LeftPadBytes(b, 32) }

// handEncode is a from-scratch EIP-712 encoder used to cross-check Encode.
func handEncode(d Domain, m RecoveryMessage) []byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	sep := crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		pad32(d.ChainID.Bytes()),
		pad32(d.VerifyingContract.Bytes()),
	)
	typeHash := crypto.Keccak256([]byte("ExecuteRecovery(address wallet,address[] newOwners,uint256 newThreshold,uint256 nonce)"))
	var owners []byte
	for _, o := range m.NewOwners {
		owners = append(owners, pad32(o.Bytes())...)
	}
	structHash := crypto.Keccak256(
		typeHash,
		pad32(m.Wallet.Bytes()),
		crypto.Keccak256(owners),
		pad32(new(big.Int).SetUint64(m.NewThreshold).Bytes()),
		pad32(new(big.Int).SetUint64(m.Nonce).Bytes()),
	)
	out := []byte{0x19, 0x01}
	out = append(out, sep...)
	return append(out, structHash...)
}

func TestEncodeMatchesHandRolledEncoder(t *testing.T) {
	d := NewDomain(31337, testModule)
	cases := []RecoveryMessage{
		{Wallet: testWallet, NewOwners: []common.Address{common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")}, NewThreshold: 1, Nonce: 0},
		{Wallet: testWallet, NewOwners: []common.Address{
			common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
			common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906"),
			common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"),
		}, NewThreshold: 2, Nonce: 7},
	}
	for _, msg := range cases {
		got, err := d.Encode(msg)
		require.NoError(t, err)
		want := handEncode(d, msg)
		assert.Equal(t, want, got)
		assert.Len(t, got, 66)

		h, err := d.Hash(msg)
		require.NoError(t, err)
		assert.Equal(t, crypto.Keccak256Hash(want), h)
	}
}

func TestSeparatorMatchesEncodePrefix(t *testing.T) {
	d := NewDomain(1, testModule)
	sep, err := d.Separator()
	require.NoError(t, err)
	enc, err := d.Encode(RecoveryMessage{Wallet: testWallet, NewOwners: []common.Address{testWallet}, NewThreshold: 1})
	require.NoError(t, err)
	assert.Equal(t, sep.Bytes(), enc[2:34])
}

func TestHashDependsOnNonceAndDomain(t *testing.T) {
	msg := RecoveryMessage{Wallet: testWallet, NewOwners: []common.Address{testModule}, NewThreshold: 1}
	d := NewDomain(1, testModule)
	h0, err := d.Hash(msg)
	require.NoError(t, err)

	msg.Nonce = 1
	h1, err := d.Hash(msg)
	require.NoError(t, err)
	assert.NotEqual(t, h0, h1)

	other := NewDomain(10, testModule)
	h2, err := other.Hash(msg)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestInvalidDomain(t *testing.T) {
	_, err := Domain{Name: "x", Version: "1", ChainID: big.NewInt(1)}.Hash(RecoveryMessage{})
	assert.ErrorIs(t, err, ErrInvalidDomain)
	_, err = NewDomain(0, testModule).Separator()
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	hash := crypto.Keccak256Hash([]byte("recovery"))

	sig, err := Sign(hash, key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := Recover(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// raw recovery ids are accepted as well
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = Recover(hash, raw)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	hash := crypto.Keccak256Hash([]byte("x"))
	_, err := Recover(hash, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := Sign(hash, key)
	require.NoError(t, err)

	// flip s to n - s, the malleable twin
	s := new(big.Int).SetBytes(sig[32:64])
	s.Sub(crypto.S256().Params().N, s)
	copy(sig[32:64], pad32(s.Bytes()))
	sig[64] ^= 1
	_, err = Recover(hash, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	bad := make([]byte, SignatureLength)
	bad[64] = 30
	_, err = Recover(hash, bad)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSortBySigner(t *testing.T) {
	a := common.HexToAddress("0x0000000000000000000000000000000000000002")
	b := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	c := common.HexToAddress("0xff00000000000000000000000000000000000000")
	sigs := []model.SignatureData{{Signer: c}, {Signer: a}, {Signer: b}}
	SortBySigner(sigs)
	assert.Equal(t, []common.Address{a, b, c}, []common.Address{sigs[0].Signer, sigs[1].Signer, sigs[2].Signer})
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, b))
}

func TestHashActionMatchesHandRolledEncoder(t *testing.T) {
	d := NewDomain(31337, testModule)
	guardian := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	msg := AddGuardianAction(testWallet, guardian, 2, "challenge-1")
	assert.Equal(t, "guardian="+guardian.Hex()+",threshold=2", msg.Params)

	sep, err := d.Separator()
	require.NoError(t, err)
	typeHash := crypto.Keccak256([]byte("AccountAction(address wallet,string action,string params,string nonce)"))
	structHash := crypto.Keccak256(
		typeHash,
		pad32(testWallet.Bytes()),
		crypto.Keccak256([]byte(ActionAddGuardian)),
		crypto.Keccak256([]byte(msg.Params)),
		crypto.Keccak256([]byte("challenge-1")),
	)
	want := crypto.Keccak256Hash([]byte{0x19, 0x01}, sep.Bytes(), structHash)

	got, err := d.HashAction(msg)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	other, err := d.HashAction(CancelRecoveryAction(testWallet, 0, "challenge-1"))
	require.NoError(t, err)
	assert.NotEqual(t, got, other)
}
