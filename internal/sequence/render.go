package sequence

import (
	"strings"

	"github.com/SirClappington/relay/internal/domain"
)

// Render substitutes lead, organization, and owner fields into
// {{placeholder}} tokens. Unknown tokens are left in place so broken
// templates are visible to operators instead of silently blanked.
func Render(tpl string, snap *domain.LeadSnapshot) string {
	fullName := strings.TrimSpace(snap.FirstName + " " + snap.LastName)
	r := strings.NewReplacer(
		"{{firstName}}", snap.FirstName,
		"{{lastName}}", snap.LastName,
		"{{fullName}}", fullName,
		"{{email}}", snap.Email,
		"{{phone}}", snap.Phone,
		"{{leadStatus}}", snap.Status,
		"{{orgName}}", snap.OrgName,
		"{{ownerName}}", snap.OwnerName,
		"{{ownerRole}}", snap.OwnerRole,
	)
	return r.Replace(tpl)
}
