package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

// checkSignatures validates a sorted approval batch and returns its signers.
func (m *Module) checkSignatures(ctx context.Context, st *model.AccountState, sender common.Address, hash common.Hash, sigs []model.SignatureData) ([]common.Address, error) {
	signers := make([]common.Address, 0, len(sigs))
	var last common.Address
	for i, sd := range sigs {
		if len(sd.Signature) == 0 {
			if sd.Signer != sender {
				return nil, fmt.Errorf("signature %d: %w", i, ErrNullSignatureSender)
			}
			if !st.Guardians.Contains(sender) {
				return nil, fmt.Errorf("signature %d: %w", i, ErrSenderNotGuardian)
			}
		} else {
			if !st.Guardians.Contains(sd.Signer) {
				return nil, fmt.Errorf("signature %d: %w", i, ErrSignerNotGuardian)
			}
			ok, err := m.validSignature(ctx, sd.Signer, hash, sd.Signature)
			if err != nil {
				return nil, fmt.Errorf("signature %d: %w", i, err)
			}
			if !ok {
				return nil, fmt.Errorf("signature %d: %w", i, ErrInvalidGuardianSignature)
			}
		}
		if !typeddata.Less(last, sd.Signer) {
			return nil, fmt.Errorf("signature %d: %w", i, ErrSignerOrdering)
		}
		last = sd.Signer
		signers = append(signers, sd.Signer)
	}
	return signers, nil
}

// validSignature accepts an ECDSA signature by signer, or a signature the
// signer's contract account vouches for.
func (m *Module) validSignature(ctx context.Context, signer common.Address, hash common.Hash, sig []byte) (bool, error) {
	if recovered, err := typeddata.Recover(hash, sig); err == nil && recovered == signer {
		return true, nil
	}
	acct, err := m.accounts.Account(ctx, signer)
	if errors.Is(err, ErrUnknownAccount) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	v, ok := acct.(SignatureValidator)
	if !ok {
		return false, nil
	}
	return v.IsValidSignature(ctx, hash, sig)
}
