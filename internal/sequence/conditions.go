package sequence

import (
	"github.com/SirClappington/relay/internal/address"
	"github.com/SirClappington/relay/internal/domain"
)

// Evaluate runs the step's ordered condition list with short-circuit
// AND semantics over the current lead snapshot. On failure it returns
// the reason code of the first condition that did not hold.
func Evaluate(conds []domain.StepCondition, snap *domain.LeadSnapshot) (bool, string) {
	for _, c := range conds {
		switch c.Kind {
		case domain.CondLeadOpen:
			if !snap.Open() {
				return false, "lead_closed"
			}
		case domain.CondLeadStatusIn:
			if !contains(c.Values, snap.Status) {
				return false, "lead_status_mismatch"
			}
		case domain.CondHasValidPhone:
			if !address.ValidPhone(snap.Phone) {
				return false, "no_valid_phone"
			}
		case domain.CondHasValidEmail:
			if !address.ValidEmail(snap.Email) {
				return false, "no_valid_email"
			}
		default:
			return false, "unknown_condition"
		}
	}
	return true, ""
}

func contains(vals []string, s string) bool {
	for _, v := range vals {
		if v == s {
			return true
		}
	}
	return false
}
