package registration

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	domain "github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/registration"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
)

// Service owns the device document lifecycle: registering on startup,
// reconciling alias ownership, and resolving webhook targets for admission.
type Service struct {
	store    domain.Store
	info     *ServerInfoClient
	deviceID string
	logger   *log.Logger
	bus      observability.TelemetryBus
}

// NewService builds a registration service for the given device id.
func NewService(store domain.Store, info *ServerInfoClient, deviceID string, logger *log.Logger, bus observability.TelemetryBus) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "registration ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Service{store: store, info: info, deviceID: deviceID, logger: logger, bus: bus}
}

// DeviceID returns the id the service registers under.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// EnsureRegistration refreshes the device document. A server-info outage is
// tolerated: the previously stored aliases stay in place and only the
// registration timestamp moves, so a crashed message server never blocks
// the bridge from starting.
func (s *Service) EnsureRegistration(ctx context.Context) (domain.Device, error) {
	aliases := []string{}
	activeAlias := ""

	info, err := s.info.Fetch(ctx)
	if err != nil {
		s.logger.Printf("server info unavailable, keeping cached aliases: %v", err)
		if existing, getErr := s.store.Get(ctx, s.deviceID); getErr == nil {
			aliases = existing.Aliases
			activeAlias = existing.ActiveAlias
		}
	} else {
		aliases = info.Aliases
		activeAlias = info.ActiveAlias
	}

	device, err := s.store.Upsert(ctx, domain.Device{
		DeviceID:    s.deviceID,
		Aliases:     aliases,
		ActiveAlias: activeAlias,
	})
	if err != nil {
		return domain.Device{}, err
	}

	// Aliases follow the most recent registrant; strip them from any stale
	// document left behind by an earlier installation.
	if err := s.store.ReleaseAliases(ctx, s.deviceID, aliases, activeAlias); err != nil {
		return domain.Device{}, err
	}

	s.publishRefreshed(ctx, device)
	s.logger.Printf("device %s registered with %d alias(es), %d webhook(s)",
		s.deviceID, len(device.Aliases), len(device.Webhooks))
	return device, nil
}

// TargetURLs resolves the current webhook URL set for admission snapshots.
// A device without a document yet simply has no targets.
func (s *Service) TargetURLs(ctx context.Context) (string, []string, error) {
	device, err := s.store.Get(ctx, s.deviceID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			return s.deviceID, nil, nil
		}
		return s.deviceID, nil, err
	}
	return s.deviceID, device.Webhooks, nil
}

func (s *Service) publishRefreshed(ctx context.Context, device domain.Device) {
	if s.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventRegistrationRefreshed,
		Severity:  observability.TelemetrySeverityInfo,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"device_id": device.DeviceID,
			"aliases":   len(device.Aliases),
			"webhooks":  len(device.Webhooks),
		},
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Printf("telemetry publish failed: %v", err)
	}
}
