// Package did builds the Decentralized Identifiers the recovery service uses:
// did:pkh for the Ethereum accounts it serves and did:key for its own session
// signing keys.
package did

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// ed25519PubMulticodec is the varint multicodec prefix for ed25519-pub keys.
var ed25519PubMulticodec = []byte{0xed, 0x01}

// ErrMalformed is returned when a DID cannot be parsed.
var ErrMalformed = errors.New("malformed did")

// PKH returns the did:pkh identifier of an EIP-155 account, e.g.
// did:pkh:eip155:1:0xAbC...
func PKH(chainID uint64, addr common.Address) string {
	return fmt.Sprintf("did:pkh:eip155:%d:%s", chainID, addr.Hex())
}

// ParsePKH splits a did:pkh identifier into chain id and address.
func ParsePKH(id string) (uint64, common.Address, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 5 || parts[0] != "did" || parts[1] != "pkh" || parts[2] != "eip155" {
		return 0, common.Address{}, fmt.Errorf("%w: %q", ErrMalformed, id)
	}
	chainID, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("%w: chain id: %v", ErrMalformed, err)
	}
	if !common.IsHexAddress(parts[4]) {
		return 0, common.Address{}, fmt.Errorf("%w: address %q", ErrMalformed, parts[4])
	}
	return chainID, common.HexToAddress(parts[4]), nil
}

// Multibase encodes an ed25519 public key as a base58btc multibase string
// carrying the ed25519-pub multicodec prefix.
func Multibase(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519PubMulticodec)+len(pub))
	buf = append(buf, ed25519PubMulticodec...)
	buf = append(buf, pub...)
	return "z" + base58.Encode(buf)
}

// Key returns the did:key identifier of an ed25519 public key.
func Key(pub ed25519.PublicKey) string {
	return "did:key:" + Multibase(pub)
}

// ParseKey extracts the ed25519 public key from a did:key identifier.
func ParseKey(id string) (ed25519.PublicKey, error) {
	mb, ok := strings.CutPrefix(id, "did:key:z")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, id)
	}
	raw, err := base58.Decode(mb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) != len(ed25519PubMulticodec)+ed25519.PublicKeySize || raw[0] != 0xed || raw[1] != 0x01 {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrMalformed)
	}
	return ed25519.PublicKey(raw[2:]), nil
}

// VerificationMethod is one key entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Document is the subset of a DID document the service publishes.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	AssertionMethod    []string             `json:"assertionMethod"`
}

// KeyDocument describes the service under the did:key of its current signing
// key. Every key that can still verify tokens is listed as a verification
// method, the first one being the current key.
func KeyDocument(current ed25519.PublicKey, others ...ed25519.PublicKey) Document {
	id := Key(current)
	doc := Document{
		Context: []string{"https://www.w3.org/ns/did/v1", "https://w3id.org/security/suites/ed25519-2020/v1"},
		ID:      id,
	}
	for i, pub := range append([]ed25519.PublicKey{current}, others...) {
		vm := VerificationMethod{
			ID:                 fmt.Sprintf("%s#keys-%d", id, i+1),
			Type:               "Ed25519VerificationKey2020",
			Controller:         id,
			PublicKeyMultibase: Multibase(pub),
		}
		doc.VerificationMethod = append(doc.VerificationMethod, vm)
		doc.AssertionMethod = append(doc.AssertionMethod, vm.ID)
	}
	return doc
}
