package domain

// LeadSnapshot is the read-only view of a lead plus its organization and
// owner, used for condition evaluation and template rendering.
type LeadSnapshot struct {
	ID        string
	Status    string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	OrgName   string
	OwnerName string
	OwnerRole string
}

const (
	LeadWon  = "won"
	LeadLost = "lost"
)

// Open reports whether the lead is still workable (not won or lost).
func (l *LeadSnapshot) Open() bool {
	return l.Status != LeadWon && l.Status != LeadLost
}

// Integration is a tenant's active provider account for one channel.
type Integration struct {
	ID       string
	TenantID string
	Channel  Channel
	Provider string
	Active   bool
}

// ChannelPrefs is a user's opt-in state per category. In-app is always
// on; email and WhatsApp are opt-in.
type ChannelPrefs struct {
	Email    bool
	WhatsApp bool
}

// Contact is a user's deliverable addresses. PhoneVerified gates
// WhatsApp at the preference-update boundary.
type Contact struct {
	Email         string
	Phone         string
	PhoneVerified bool
}
