// Package typeddata builds and hashes the EIP-712 message guardians sign to
// approve a recovery off-line, and recovers signers from those signatures.
package typeddata

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Default domain values used by deployed recovery modules.
const (
	DefaultName    = "Social Recovery Module"
	DefaultVersion = "0.0.1"

	primaryType = "ExecuteRecovery"
	actionType  = "AccountAction"
	domainType  = "EIP712Domain"
)

// SignatureLength is the size of an [R || S || V] ECDSA signature.
const SignatureLength = crypto.SignatureLength

var (
	// ErrInvalidSignature is returned when a signature cannot be parsed or recovered.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidDomain is returned when a domain is missing required fields.
	ErrInvalidDomain = errors.New("invalid eip712 domain")
)

var recoveryTypes = apitypes.Types{
	domainType: {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "wallet", Type: "address"},
		{Name: "newOwners", Type: "address[]"},
		{Name: "newThreshold", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// actionTypes describe the message an account's owners sign to authorize a
// guardian-set change or a cancellation through the HTTP API.
var actionTypes = apitypes.Types{
	domainType: recoveryTypes[domainType],
	actionType: {
		{Name: "wallet", Type: "address"},
		{Name: "action", Type: "string"},
		{Name: "params", Type: "string"},
		{Name: "nonce", Type: "string"},
	},
}

// Domain binds signatures to one module deployment on one chain.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

// NewDomain returns a domain with the default name and version.
func NewDomain(chainID uint64, verifyingContract common.Address) Domain {
	return Domain{
		Name:              DefaultName,
		Version:           DefaultVersion,
		ChainID:           new(big.Int).SetUint64(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Validate checks that every domain field is populated.
func (d Domain) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidDomain)
	case d.Version == "":
		return fmt.Errorf("%w: version is empty", ErrInvalidDomain)
	case d.ChainID == nil || d.ChainID.Sign() <= 0:
		return fmt.Errorf("%w: chain id must be positive", ErrInvalidDomain)
	case d.VerifyingContract == (common.Address{}):
		return fmt.Errorf("%w: verifying contract is zero", ErrInvalidDomain)
	}
	return nil
}

// RecoveryMessage is the ExecuteRecovery struct.
type RecoveryMessage struct {
	Wallet       common.Address   `json:"wallet"`
	NewOwners    []common.Address `json:"newOwners"`
	NewThreshold uint64           `json:"newThreshold"`
	Nonce        uint64           `json:"nonce"`
}

// TypedData renders msg under d in the JSON-RPC eth_signTypedData_v4 shape.
func (d Domain) TypedData(msg RecoveryMessage) apitypes.TypedData {
	owners := make([]interface{}, len(msg.NewOwners))
	for i, o := range msg.NewOwners {
		owners[i] = o.Hex()
	}
	return apitypes.TypedData{
		Types:       recoveryTypes,
		PrimaryType: primaryType,
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"wallet":       msg.Wallet.Hex(),
			"newOwners":    owners,
			"newThreshold": new(big.Int).SetUint64(msg.NewThreshold),
			"nonce":        new(big.Int).SetUint64(msg.Nonce),
		},
	}
}

// Separator returns the domain separator hash.
func (d Domain) Separator() (common.Hash, error) {
	if err := d.Validate(); err != nil {
		return common.Hash{}, err
	}
	td := d.TypedData(RecoveryMessage{})
	sep, err := td.HashStruct(domainType, td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	var chainID *math.HexOrDecimal256
	if d.ChainID != nil {
		chainID = (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID))
	}
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           chainID,
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Encode returns 0x1901 || domainSeparator || hashStruct(msg).
func (d Domain) Encode(msg RecoveryMessage) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return encode(d.TypedData(msg))
}

func encode(td apitypes.TypedData) ([]byte, error) {
	sep, err := td.HashStruct(domainType, td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	out := make([]byte, 0, 2+len(sep)+len(structHash))
	out = append(out, 0x19, 0x01)
	out = append(out, sep...)
	out = append(out, structHash...)
	return out, nil
}

// Hash returns keccak256(Encode(msg)), the digest guardians sign.
func (d Domain) Hash(msg RecoveryMessage) (common.Hash, error) {
	encoded, err := d.Encode(msg)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Account actions authorized by owner signatures.
const (
	ActionAddGuardian     = "addGuardianWithThreshold"
	ActionRevokeGuardian  = "revokeGuardianWithThreshold"
	ActionChangeThreshold = "changeThreshold"
	ActionCancelRecovery  = "cancelRecovery"
)

// ActionMessage is the AccountAction struct. Params is the canonical
// rendering of the call arguments and Nonce a single-use challenge issued by
// the service.
type ActionMessage struct {
	Wallet common.Address `json:"wallet"`
	Action string         `json:"action"`
	Params string         `json:"params"`
	Nonce  string         `json:"nonce"`
}

// AddGuardianAction describes addGuardianWithThreshold(guardian, threshold).
func AddGuardianAction(wallet, guardian common.Address, threshold uint64, nonce string) ActionMessage {
	return ActionMessage{
		Wallet: wallet,
		Action: ActionAddGuardian,
		Params: fmt.Sprintf("guardian=%s,threshold=%d", guardian.Hex(), threshold),
		Nonce:  nonce,
	}
}

// RevokeGuardianAction describes revokeGuardianWithThreshold. The predecessor
// is not part of the message; a wrong one only makes the call fail.
func RevokeGuardianAction(wallet, guardian common.Address, threshold uint64, nonce string) ActionMessage {
	return ActionMessage{
		Wallet: wallet,
		Action: ActionRevokeGuardian,
		Params: fmt.Sprintf("guardian=%s,threshold=%d", guardian.Hex(), threshold),
		Nonce:  nonce,
	}
}

// ChangeThresholdAction describes changeThreshold(threshold).
func ChangeThresholdAction(wallet common.Address, threshold uint64, nonce string) ActionMessage {
	return ActionMessage{
		Wallet: wallet,
		Action: ActionChangeThreshold,
		Params: fmt.Sprintf("threshold=%d", threshold),
		Nonce:  nonce,
	}
}

// CancelRecoveryAction describes cancelling the request pending at recovery
// nonce recoveryNonce.
func CancelRecoveryAction(wallet common.Address, recoveryNonce uint64, nonce string) ActionMessage {
	return ActionMessage{
		Wallet: wallet,
		Action: ActionCancelRecovery,
		Params: fmt.Sprintf("recoveryNonce=%d", recoveryNonce),
		Nonce:  nonce,
	}
}

// ActionTypedData renders msg under d in the eth_signTypedData_v4 shape.
func (d Domain) ActionTypedData(msg ActionMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       actionTypes,
		PrimaryType: actionType,
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"wallet": msg.Wallet.Hex(),
			"action": msg.Action,
			"params": msg.Params,
			"nonce":  msg.Nonce,
		},
	}
}

// HashAction returns the digest owners sign for msg.
func (d Domain) HashAction(msg ActionMessage) (common.Hash, error) {
	if err := d.Validate(); err != nil {
		return common.Hash{}, err
	}
	encoded, err := encode(d.ActionTypedData(msg))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Sign signs hash with key and returns a 65-byte signature with v in {27, 28}.
func Sign(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over hash. Both {0, 1} and
// {27, 28} recovery ids are accepted; malleable high-s signatures are not.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	v := normalized[crypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: bad r, s or v", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
