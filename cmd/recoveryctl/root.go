package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
)

const defaultModule = "0x0000000000000000000000000000000000005e11"

// newRootCmd builds the command tree. Settings resolve flag > RECOVERYCTL_*
// environment > config file > default.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "recoveryctl",
		Short:         "Off-line tooling for guardians of the social recovery module",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			v.SetEnvPrefix("RECOVERYCTL")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", configFile, err)
				}
			}
			switch v.GetString("output") {
			case "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output %q (json or yaml)", v.GetString("output"))
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	pf.String("output", "json", "output format: json or yaml")
	pf.String("chain-id", "1", "EIP-155 chain id of the domain")
	pf.String("module", defaultModule, "module address, the domain's verifying contract")
	pf.String("domain-name", typeddata.DefaultName, "EIP-712 domain name")
	pf.String("domain-version", typeddata.DefaultVersion, "EIP-712 domain version")

	root.AddCommand(newKeygenCmd(v), newHashCmd(v), newSignCmd(v), newVerifyCmd(v))
	return root
}

// domainFrom assembles the EIP-712 domain from the resolved settings.
func domainFrom(v *viper.Viper) (typeddata.Domain, error) {
	chainID, err := parseUint64(v.GetString("chain-id"))
	if err != nil {
		return typeddata.Domain{}, fmt.Errorf("chain-id: %w", err)
	}
	module := v.GetString("module")
	if !common.IsHexAddress(module) {
		return typeddata.Domain{}, fmt.Errorf("module %q is not a hex address", module)
	}
	d := typeddata.NewDomain(chainID, common.HexToAddress(module))
	d.Name = v.GetString("domain-name")
	d.Version = v.GetString("domain-version")
	return d, d.Validate()
}

// parseUint64 accepts decimal or 0x-prefixed hex. Values are parsed as
// uint256 like the on-chain fields they mirror and must fit in 64 bits.
func parseUint64(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	var (
		n   *uint256.Int
		err error
	)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		n, err = uint256.FromHex(raw)
	} else {
		n, err = uint256.FromDecimal(raw)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", raw, err)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("%s overflows uint64", n.Dec())
	}
	return n.Uint64(), nil
}

func parseAddresses(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("%q is not a hex address", r)
		}
		out = append(out, common.HexToAddress(r))
	}
	return out, nil
}

// render writes v in the selected output format.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		// Round-trip through JSON so hex encoders of go-ethereum types apply.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
