package typeddata

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/model"
)

// Less orders addresses as unsigned 160-bit integers.
func Less(a, b common.Address) bool {
	x := new(uint256.Int).SetBytes20(a.Bytes())
	y := new(uint256.Int).SetBytes20(b.Bytes())
	return x.Lt(y)
}

// SortBySigner orders a signature batch the way the verifier expects it:
// strictly increasing signer addresses.
func SortBySigner(sigs []model.SignatureData) {
	sort.SliceStable(sigs, func(i, j int) bool {
		return Less(sigs[i].Signer, sigs[j].Signer)
	})
}
