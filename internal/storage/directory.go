package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/relay/internal/address"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/tenant"
)

// Directory serves the read-only collaborator lookups: lead snapshots
// for rendering, user contacts, channel preferences, and active
// provider integrations.
type Directory struct {
	gate *tenant.Gate
}

func NewDirectory(g *tenant.Gate) *Directory { return &Directory{g} }

var ErrNotFound = errors.New("storage: not found")

func (d *Directory) LeadSnapshot(ctx context.Context, tenantID, leadID string) (*domain.LeadSnapshot, error) {
	var snap *domain.LeadSnapshot
	err := d.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var got domain.LeadSnapshot
		err := tx.QueryRow(ctx, `select l.id, l.status,
coalesce(l.first_name,''), coalesce(l.last_name,''), coalesce(l.email,''), coalesce(l.phone,''),
coalesce(o.name,''), coalesce(u.name,''), coalesce(u.role,'')
from leads l
left join organizations o on o.id = l.org_id and o.tenant_id = l.tenant_id
left join users u on u.id = l.owner_id and u.tenant_id = l.tenant_id
where l.tenant_id = $1 and l.id = $2`, tenantID, leadID).
			Scan(&got.ID, &got.Status, &got.FirstName, &got.LastName, &got.Email, &got.Phone,
				&got.OrgName, &got.OwnerName, &got.OwnerRole)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		snap = &got
		return nil
	})
	return snap, err
}

func (d *Directory) Contact(ctx context.Context, tenantID, userID string) (*domain.Contact, error) {
	var c *domain.Contact
	err := d.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var got domain.Contact
		err := tx.QueryRow(ctx, `select coalesce(email,''), coalesce(phone,''), phone_verified
from users where tenant_id = $1 and id = $2`, tenantID, userID).
			Scan(&got.Email, &got.Phone, &got.PhoneVerified)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		c = &got
		return nil
	})
	return c, err
}

// Prefs returns the user's opt-in channels for one category. Missing
// row means the default: in-app only.
func (d *Directory) Prefs(ctx context.Context, tenantID, userID, category string) (domain.ChannelPrefs, error) {
	var p domain.ChannelPrefs
	err := d.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `select email_enabled, whatsapp_enabled
from channel_prefs where tenant_id = $1 and user_id = $2 and category = $3`,
			tenantID, userID, category).Scan(&p.Email, &p.WhatsApp)
		if err == pgx.ErrNoRows {
			return nil
		}
		return err
	})
	return p, err
}

// UpdatePrefs is the preference-update boundary: enabling WhatsApp
// without a verified phone on file is rejected here, not at send time.
func (d *Directory) UpdatePrefs(ctx context.Context, tenantID, userID, category string, p domain.ChannelPrefs) error {
	return d.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		if p.WhatsApp {
			var verified bool
			var phone string
			err := tx.QueryRow(ctx, `select coalesce(phone,''), phone_verified
from users where tenant_id = $1 and id = $2`, tenantID, userID).Scan(&phone, &verified)
			if err != nil {
				return err
			}
			if !verified || !address.ValidPhone(phone) {
				return errors.New("whatsapp requires a verified phone on file")
			}
		}
		_, err := tx.Exec(ctx, `insert into channel_prefs(tenant_id, user_id, category, email_enabled, whatsapp_enabled)
values ($1,$2,$3,$4,$5)
on conflict (tenant_id, user_id, category)
do update set email_enabled = $4, whatsapp_enabled = $5`,
			tenantID, userID, category, p.Email, p.WhatsApp)
		return err
	})
}

// ActiveIntegration resolves the tenant's active provider account for a
// channel. Returns ErrNotFound when none is configured.
func (d *Directory) ActiveIntegration(ctx context.Context, tenantID string, channel domain.Channel) (*domain.Integration, error) {
	var in *domain.Integration
	err := d.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		var got domain.Integration
		err := tx.QueryRow(ctx, `select id, tenant_id, channel, provider, active
from integrations where tenant_id = $1 and channel = $2 and active
order by created_at desc limit 1`, tenantID, channel).
			Scan(&got.ID, &got.TenantID, &got.Channel, &got.Provider, &got.Active)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		in = &got
		return nil
	})
	return in, err
}

// InsertTask is the optional per-step side effect: a follow-up task on
// the CRM board.
func (d *Directory) InsertTask(ctx context.Context, tenantID, leadID, title string) error {
	return d.gate.Run(ctx, tenantID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `insert into tasks(id, tenant_id, lead_id, title, status)
values (gen_random_uuid(), $1, $2, $3, 'open')`, tenantID, leadID, title)
		return err
	})
}
