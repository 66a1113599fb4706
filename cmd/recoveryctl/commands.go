package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/did"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

func newKeygenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a guardian key, or a session signing key with --session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, _ := cmd.Flags().GetBool("session")
			if session {
				pub, priv, err := ed25519.GenerateKey(rand.Reader)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), v.GetString("output"), map[string]any{
					"jwtSigningKey": base64.StdEncoding.EncodeToString(priv),
					"did":           did.Key(pub),
				})
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), map[string]any{
				"address":    crypto.PubkeyToAddress(key.PublicKey),
				"privateKey": hexutil.Bytes(crypto.FromECDSA(key)),
			})
		},
	}
	cmd.Flags().Bool("session", false, "generate an ed25519 key for RECOVERY_JWT_SIGNING_KEY")
	return cmd
}

func newHashCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute the EIP-712 recovery hash guardians sign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			domain, err := domainFrom(v)
			if err != nil {
				return err
			}
			msg, err := recoveryMessage(cmd)
			if err != nil {
				return err
			}
			encoded, err := domain.Encode(msg)
			if err != nil {
				return err
			}
			hash, err := domain.Hash(msg)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), map[string]any{
				"encoded":   hexutil.Bytes(encoded),
				"hash":      hash,
				"typedData": domain.TypedData(msg),
			})
		},
	}
	recoveryFlags(cmd)
	return cmd
}

func newSignCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a recovery proposal as a guardian",
		Long: `Sign a recovery proposal as a guardian.

The hash is computed from the proposal flags unless --hash is given. The
output is one entry of a multi-confirm signatures batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawKey, _ := cmd.Flags().GetString("key")
			key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
			if err != nil {
				return fmt.Errorf("key: %w", err)
			}
			hash, err := hashFromFlags(cmd, v)
			if err != nil {
				return err
			}
			sig, err := typeddata.Sign(hash, key)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), map[string]any{
				"signer":    crypto.PubkeyToAddress(key.PublicKey),
				"signature": hexutil.Bytes(sig),
				"hash":      hash,
			})
		},
	}
	recoveryFlags(cmd)
	cmd.Flags().String("key", "", "guardian private key (hex)")
	cmd.Flags().String("hash", "", "sign this 32-byte hash instead of a proposal")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newVerifyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recover the signer of a recovery signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawSig, _ := cmd.Flags().GetString("signature")
			sig, err := hexutil.Decode(rawSig)
			if err != nil {
				return fmt.Errorf("signature: %w", err)
			}
			hash, err := hashFromFlags(cmd, v)
			if err != nil {
				return err
			}
			signer, err := typeddata.Recover(hash, sig)
			if err != nil {
				return err
			}
			out := map[string]any{"signer": signer, "hash": hash}
			if want, _ := cmd.Flags().GetString("signer"); want != "" {
				out["valid"] = common.IsHexAddress(want) && common.HexToAddress(want) == signer
			}
			return render(cmd.OutOrStdout(), v.GetString("output"), out)
		},
	}
	recoveryFlags(cmd)
	cmd.Flags().String("signature", "", "65-byte signature (hex)")
	cmd.Flags().String("hash", "", "verify against this 32-byte hash instead of a proposal")
	cmd.Flags().String("signer", "", "expected signer; adds a valid field to the output")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func recoveryFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("account", "", "account being recovered")
	f.StringSlice("owners", nil, "proposed owners, comma separated")
	f.String("threshold", "1", "proposed owner threshold")
	f.String("nonce", "0", "recovery nonce of the account")
}

func recoveryMessage(cmd *cobra.Command) (typeddata.RecoveryMessage, error) {
	account, _ := cmd.Flags().GetString("account")
	if !common.IsHexAddress(account) {
		return typeddata.RecoveryMessage{}, fmt.Errorf("account %q is not a hex address", account)
	}
	rawOwners, _ := cmd.Flags().GetStringSlice("owners")
	owners, err := parseAddresses(rawOwners)
	if err != nil {
		return typeddata.RecoveryMessage{}, fmt.Errorf("owners: %w", err)
	}
	rawThreshold, _ := cmd.Flags().GetString("threshold")
	threshold, err := parseUint64(rawThreshold)
	if err != nil {
		return typeddata.RecoveryMessage{}, fmt.Errorf("threshold: %w", err)
	}
	rawNonce, _ := cmd.Flags().GetString("nonce")
	nonce, err := parseUint64(rawNonce)
	if err != nil {
		return typeddata.RecoveryMessage{}, fmt.Errorf("nonce: %w", err)
	}
	return typeddata.RecoveryMessage{
		Wallet:       common.HexToAddress(account),
		NewOwners:    owners,
		NewThreshold: threshold,
		Nonce:        nonce,
	}, nil
}

func hashFromFlags(cmd *cobra.Command, v *viper.Viper) (common.Hash, error) {
	if raw, _ := cmd.Flags().GetString("hash"); raw != "" {
		b, err := hexutil.Decode(raw)
		if err != nil || len(b) != common.HashLength {
			return common.Hash{}, fmt.Errorf("hash must be 32 bytes of 0x-prefixed hex")
		}
		return common.BytesToHash(b), nil
	}
	domain, err := domainFrom(v)
	if err != nil {
		return common.Hash{}, err
	}
	msg, err := recoveryMessage(cmd)
	if err != nil {
		return common.Hash{}, err
	}
	return domain.Hash(msg)
}
