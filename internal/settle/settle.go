// Package settle computes the owner's proceeds when a position is
// (partially) unwound.
//
//	proceeds = (base released by the unwind − principal share) + rewards
//
// The base-asset leg may come out negative; a negative base outcome with
// positive reward compensation is a valid, reportable result, not an
// error. All monetary values use shopspring/decimal.
package settle

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/model"
)

// ErrNegativeRelease is returned when the unwind released a negative
// base amount, which indicates an accounting bug upstream.
var ErrNegativeRelease = errors.New("settle: released amount is negative")

// Scale is the number of decimal places settlement figures are rounded
// to before being reported.
var Scale int32 = 18

// Settle computes the settlement for an unwind that released the given
// base-asset amount against principalShare of the original contribution,
// with rewardsClaimed reward tokens.
func Settle(released, principalShare, rewardsClaimed decimal.Decimal) (model.Settlement, error) {
	if released.IsNegative() {
		return model.Settlement{}, ErrNegativeRelease
	}
	return model.Settlement{
		Released:  released.Round(Scale),
		Principal: principalShare.Round(Scale),
		Profit:    released.Sub(principalShare).Round(Scale),
		Rewards:   rewardsClaimed.Round(Scale),
	}, nil
}
