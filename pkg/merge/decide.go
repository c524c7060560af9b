package merge

import (
	"fmt"

	"github.com/cuemby/fleet/pkg/types"
)

// Decide maps a freshly observed chain to an outcome. The top volume is
// checked before the base volume: a job that failed outright can leave both
// conditions true, and a surviving top volume is the more useful diagnostic.
func Decide(req types.MergeRequest, chain types.VolumeChain) types.MergeOutcome {
	top, base := req.TopImage.ImageID, req.BaseImage.ImageID

	switch {
	case chain.IsEmpty():
		return types.Pending()
	case chain.Contains(top):
		return types.Failed(types.FailureTopStillPresent,
			fmt.Sprintf("top volume %s is still in the chain of image %s", top, req.ImageGroupID))
	case !chain.Contains(base):
		return types.Failed(types.FailureBaseMissing,
			fmt.Sprintf("base volume %s is missing from the chain of image %s", base, req.ImageGroupID))
	default:
		return types.Committed(top)
	}
}
