package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/registration"
)

// RegistrationStore persists device registration documents.
type RegistrationStore struct {
	pool *pgxpool.Pool
}

// NewRegistrationStore constructs a RegistrationStore backed by the provided pool.
func NewRegistrationStore(pool *pgxpool.Pool) *RegistrationStore {
	return &RegistrationStore{pool: pool}
}

const (
	registrationUpsertSQL = `
INSERT INTO device_registration (
    device_id,
    webhooks,
    aliases,
    active_alias
)
VALUES ($1, $2, $3, $4)
ON CONFLICT (device_id) DO UPDATE
SET aliases = EXCLUDED.aliases,
    active_alias = EXCLUDED.active_alias,
    updated_at = NOW()
RETURNING
    device_id,
    webhooks,
    aliases,
    active_alias,
    created_at,
    updated_at;
`

	registrationGetSQL = `
SELECT
    device_id,
    webhooks,
    aliases,
    active_alias,
    created_at,
    updated_at
FROM device_registration
WHERE device_id = $1;
`

	registrationReleaseAliasesSQL = `
UPDATE device_registration
SET aliases = ARRAY(SELECT unnest(aliases) EXCEPT SELECT unnest($2::text[])),
    active_alias = CASE WHEN active_alias = $3 THEN '' ELSE active_alias END,
    updated_at = NOW()
WHERE device_id <> $1
  AND (aliases && $2::text[] OR active_alias = $3);
`

	registrationAddWebhookSQL = `
INSERT INTO device_registration (device_id, webhooks, aliases, active_alias)
VALUES ($1, ARRAY[$2], '{}', '')
ON CONFLICT (device_id) DO UPDATE
SET webhooks = array_append(device_registration.webhooks, $2),
    updated_at = NOW()
WHERE NOT ($2 = ANY(device_registration.webhooks));
`
)

// Get returns the device document.
func (s *RegistrationStore) Get(ctx context.Context, deviceID string) (registration.Device, error) {
	if s.pool == nil {
		return registration.Device{}, fmt.Errorf("registration store: nil pool")
	}
	device, err := scanDevice(s.pool.QueryRow(ctx, registrationGetSQL, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registration.Device{}, errs.New("registration", errs.CodeNotFound,
				errs.WithMessagef("device %s not registered", deviceID))
		}
		return registration.Device{}, err
	}
	return device, nil
}

// Upsert creates or refreshes the document. The webhook list is only taken
// from the argument on first insert; existing rows keep theirs so that a
// re-registration never wipes configured targets.
func (s *RegistrationStore) Upsert(ctx context.Context, device registration.Device) (registration.Device, error) {
	if s.pool == nil {
		return registration.Device{}, fmt.Errorf("registration store: nil pool")
	}
	deviceID := strings.TrimSpace(device.DeviceID)
	if deviceID == "" {
		return registration.Device{}, fmt.Errorf("registration store: device id required")
	}
	webhooks := device.Webhooks
	if webhooks == nil {
		webhooks = []string{}
	}
	aliases := device.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	row := s.pool.QueryRow(ctx, registrationUpsertSQL, deviceID, webhooks, aliases, device.ActiveAlias)
	stored, err := scanDevice(row)
	if err != nil {
		return registration.Device{}, fmt.Errorf("registration store: upsert %s: %w", deviceID, err)
	}
	return stored, nil
}

// ReleaseAliases strips the given aliases from every other device so alias
// ownership always converges on the most recent registrant.
func (s *RegistrationStore) ReleaseAliases(ctx context.Context, ownerDeviceID string, aliases []string, activeAlias string) error {
	if s.pool == nil {
		return fmt.Errorf("registration store: nil pool")
	}
	if len(aliases) == 0 && activeAlias == "" {
		return nil
	}
	if aliases == nil {
		aliases = []string{}
	}
	if _, err := s.pool.Exec(ctx, registrationReleaseAliasesSQL, ownerDeviceID, aliases, activeAlias); err != nil {
		return fmt.Errorf("registration store: release aliases for %s: %w", ownerDeviceID, err)
	}
	return nil
}

// AddWebhook appends a target URL if the device does not already have it,
// creating the document when missing so targets can be configured before the
// first registration. Zero affected rows means the URL was already present.
func (s *RegistrationStore) AddWebhook(ctx context.Context, deviceID string, url string) error {
	if s.pool == nil {
		return fmt.Errorf("registration store: nil pool")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("registration store: url required")
	}
	if _, err := s.pool.Exec(ctx, registrationAddWebhookSQL, deviceID, url); err != nil {
		return fmt.Errorf("registration store: add webhook for %s: %w", deviceID, err)
	}
	return nil
}

func scanDevice(row rowScanner) (registration.Device, error) {
	var (
		device      registration.Device
		activeAlias pgtype.Text
	)
	if err := row.Scan(
		&device.DeviceID,
		&device.Webhooks,
		&device.Aliases,
		&activeAlias,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registration.Device{}, err
		}
		return registration.Device{}, fmt.Errorf("registration store: scan device: %w", err)
	}
	if activeAlias.Valid {
		device.ActiveAlias = activeAlias.String
	}
	return device, nil
}

var _ registration.Store = (*RegistrationStore)(nil)
