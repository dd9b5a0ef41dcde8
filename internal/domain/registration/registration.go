// Package registration defines persistence contracts for device registration
// and webhook target ownership.
package registration

import (
	"context"
	"time"
)

// Device is the registration document for one bridge installation. Webhook
// URLs and alias ownership hang off the stable device id.
type Device struct {
	DeviceID    string
	Webhooks    []string
	Aliases     []string
	ActiveAlias string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store abstracts registration persistence. Alias reconciliation must be
// atomic per call so two devices never claim the same alias simultaneously.
type Store interface {
	// Get returns the device document, or errs.CodeNotFound when absent.
	Get(ctx context.Context, deviceID string) (Device, error)
	// Upsert creates or refreshes the device document, preserving the
	// webhook list on update.
	Upsert(ctx context.Context, device Device) (Device, error)
	// ReleaseAliases removes the given aliases (and active alias) from every
	// device other than the owner.
	ReleaseAliases(ctx context.Context, ownerDeviceID string, aliases []string, activeAlias string) error
	// AddWebhook appends a target URL to the device's webhook set if absent,
	// creating the document when the device has not registered yet.
	AddWebhook(ctx context.Context, deviceID string, url string) error
}
