package eligibility

import (
	"time"

	"referral-dispatch-backend/internal/model"
)

// BlockReason explains why a candidate cannot be dispatched. These are
// expected business outcomes, not faults; the matcher logs them and moves on.
type BlockReason string

const (
	BlockNone           BlockReason = ""
	BlockInactive       BlockReason = "registration_not_active"
	BlockBlackout       BlockReason = "active_blackout"
	BlockAgreement      BlockReason = "agreement_not_permitted"
	BlockCheckMarkLimit BlockReason = "check_mark_limit"
)

// Decision is the result of an eligibility evaluation.
type Decision struct {
	Eligible bool
	Reason   BlockReason
}

// Evaluate decides whether a registration may be dispatched against the
// labor request at asOf. It is side-effect-free and operates only on the
// preloaded registration, so the matcher can run it across a whole queue
// within one consistent snapshot.
//
// Checks run in order: status, blackout scope, agreement filter, check-mark
// threshold. A registration at the cap under the roll_off policy never
// reaches this point (the ledger already rolled it off); under the block
// policy it is held here.
func Evaluate(reg *model.Registration, book *model.ReferralBook, req *model.LaborRequest, asOf time.Time) Decision {
	if reg.Status != model.RegistrationActive {
		return blocked(BlockInactive)
	}

	for i := range reg.Blackouts {
		if reg.Blackouts[i].AppliesTo(req.EmployerID, req.Foreperson, asOf) {
			return blocked(BlockBlackout)
		}
	}

	if !book.PermitsAgreement(req.AgreementType) {
		return blocked(BlockAgreement)
	}

	if book.CheckMarkPolicy == model.PolicyBlock && reg.LiveCheckMarks() >= book.MaxCheckMarks {
		return blocked(BlockCheckMarkLimit)
	}

	return Decision{Eligible: true}
}

func blocked(reason BlockReason) Decision {
	return Decision{Eligible: false, Reason: reason}
}
