package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func runErr(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	return cmd.Execute()
}

const (
	testAccount = "0x00000000000000000000000000000000000000aa"
	testOwner   = "0x00000000000000000000000000000000000000bb"
)

func TestHashMatchesDomain(t *testing.T) {
	out := run(t, "hash", "--account", testAccount, "--owners", testOwner, "--threshold", "1", "--nonce", "0x2")
	var got struct {
		Encoded hexutil.Bytes `json:"encoded"`
		Hash    common.Hash   `json:"hash"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	domain := typeddata.NewDomain(1, common.HexToAddress(defaultModule))
	want, err := domain.Hash(typeddata.RecoveryMessage{
		Wallet:       common.HexToAddress(testAccount),
		NewOwners:    []common.Address{common.HexToAddress(testOwner)},
		NewThreshold: 1,
		Nonce:        2,
	})
	require.NoError(t, err)
	assert.Equal(t, want, got.Hash)
	assert.Len(t, got.Encoded, 66)
}

func TestSignThenVerify(t *testing.T) {
	var key struct {
		Address    common.Address `json:"address"`
		PrivateKey hexutil.Bytes  `json:"privateKey"`
	}
	require.NoError(t, json.Unmarshal([]byte(run(t, "keygen")), &key))

	proposal := []string{"--account", testAccount, "--owners", testOwner, "--threshold", "1", "--chain-id", "5"}
	var signed struct {
		Signer    common.Address `json:"signer"`
		Signature hexutil.Bytes  `json:"signature"`
	}
	require.NoError(t, json.Unmarshal([]byte(run(t, append([]string{"sign", "--key", key.PrivateKey.String()}, proposal...)...)), &signed))
	assert.Equal(t, key.Address, signed.Signer)

	var verified struct {
		Signer common.Address `json:"signer"`
		Valid  bool           `json:"valid"`
	}
	args := append([]string{"verify", "--signature", signed.Signature.String(), "--signer", key.Address.Hex()}, proposal...)
	require.NoError(t, json.Unmarshal([]byte(run(t, args...)), &verified))
	assert.Equal(t, key.Address, verified.Signer)
	assert.True(t, verified.Valid)

	// A different chain id is a different domain.
	args = []string{"verify", "--signature", signed.Signature.String(), "--signer", key.Address.Hex(),
		"--account", testAccount, "--owners", testOwner, "--threshold", "1", "--chain-id", "1"}
	require.NoError(t, json.Unmarshal([]byte(run(t, args...)), &verified))
	assert.False(t, verified.Valid)
}

func TestKeygenSessionYAML(t *testing.T) {
	out := run(t, "keygen", "--session", "--output", "yaml")
	var got map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.True(t, strings.HasPrefix(got["did"], "did:key:z"))
	assert.NotEmpty(t, got["jwtSigningKey"])
}

func TestRejectsBadInput(t *testing.T) {
	assert.Error(t, runErr(t, "hash", "--account", "nope", "--owners", testOwner))
	assert.Error(t, runErr(t, "hash", "--account", testAccount, "--owners", testOwner, "--threshold", "18446744073709551616"))
	assert.Error(t, runErr(t, "keygen", "--output", "xml"))
	assert.Error(t, runErr(t, "sign", "--account", testAccount, "--owners", testOwner))
}

func TestParseUint64(t *testing.T) {
	n, err := parseUint64("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	n, err = parseUint64("0x2a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	_, err = parseUint64("-1")
	assert.Error(t, err)
}
