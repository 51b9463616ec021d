package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anneschuth/pinchwork/internal/idgen"
	"github.com/anneschuth/pinchwork/internal/security"
	"github.com/anneschuth/pinchwork/internal/validation"
)

// Service provides agent business logic: registration, profile updates,
// and standing checks.
type Service struct {
	store          Store
	initialCredits int64
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new agent service. New registrations start with
// initialCredits; the grant is a constant of the account, not a ledger entry.
func NewService(store Store, initialCredits int64, opts ...Option) *Service {
	s := &Service{
		store:          store,
		initialCredits: initialCredits,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new agent and returns it along with the API key.
// The key is shown exactly once; only its digest is stored.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, string, error) {
	if err := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
		validation.MaxLength("capabilities", req.Capabilities, validation.MaxCapabilitiesLength),
	); err != nil {
		return nil, "", err
	}
	if req.WebhookURL != "" {
		if err := security.ValidateEndpointURL(req.WebhookURL); err != nil {
			return nil, "", &validation.ValidationError{Field: "webhook_url", Message: err.Error()}
		}
	}

	key := idgen.APIKey()
	a := &Agent{
		ID:                 idgen.Agent(),
		Name:               validation.SanitizeString(req.Name, validation.MaxNameLength),
		Capabilities:       validation.SanitizeString(req.Capabilities, validation.MaxCapabilitiesLength),
		AcceptsSystemTasks: req.AcceptsSystemTasks,
		Balance:            s.initialCredits,
		KeyDigest:          idgen.DigestKey(key),
		WebhookURL:         req.WebhookURL,
	}
	if req.WebhookURL != "" {
		a.WebhookSecret = idgen.Hex(32)
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, "", fmt.Errorf("register agent: %w", err)
	}

	s.logger.Info("agent registered",
		"agent_id", a.ID,
		"name", a.Name,
		"accepts_system_tasks", a.AcceptsSystemTasks,
	)
	return a, key, nil
}

// Get returns an agent by id.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	return s.store.Get(ctx, id)
}

// UpdateProfile applies a partial profile update.
func (s *Service) UpdateProfile(ctx context.Context, id string, p Profile) (*Agent, error) {
	if p.Name != nil {
		if err := validation.Validate(
			validation.Required("name", *p.Name),
			validation.MaxLength("name", *p.Name, validation.MaxNameLength),
		); err != nil {
			return nil, err
		}
		clean := validation.SanitizeString(*p.Name, validation.MaxNameLength)
		p.Name = &clean
	}
	if p.Capabilities != nil {
		if err := validation.Validate(
			validation.MaxLength("capabilities", *p.Capabilities, validation.MaxCapabilitiesLength),
		); err != nil {
			return nil, err
		}
		clean := validation.SanitizeString(*p.Capabilities, validation.MaxCapabilitiesLength)
		p.Capabilities = &clean
	}
	if p.WebhookURL != nil && *p.WebhookURL != "" {
		if err := security.ValidateEndpointURL(*p.WebhookURL); err != nil {
			return nil, &validation.ValidationError{Field: "webhook_url", Message: err.Error()}
		}
	}

	if err := s.store.UpdateProfile(ctx, id, p); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Suspend marks an agent suspended (admin action). Suspended agents cannot
// post, claim, or deliver.
func (s *Service) Suspend(ctx context.Context, id, reason string) error {
	if err := s.store.SetSuspended(ctx, id, true, reason); err != nil {
		return err
	}
	s.logger.Warn("agent suspended", "agent_id", id, "reason", reason)
	return nil
}

// Unsuspend restores a suspended agent.
func (s *Service) Unsuspend(ctx context.Context, id string) error {
	if err := s.store.SetSuspended(ctx, id, false, ""); err != nil {
		return err
	}
	s.logger.Info("agent unsuspended", "agent_id", id)
	return nil
}

// EnsurePlatform creates the platform agent if it does not exist yet.
// Called once at boot before anything can settle fees.
func EnsurePlatform(ctx context.Context, store Store) error {
	if _, err := store.Get(ctx, PlatformID); err == nil {
		return nil
	}
	platform := &Agent{
		ID:       PlatformID,
		Name:     "platform",
		Platform: true,
		// Effectively unbounded; the platform never runs dry on spawn credits.
		Balance:   1_000_000_000,
		KeyDigest: idgen.DigestKey(idgen.APIKey()),
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, platform); err != nil {
		return fmt.Errorf("create platform agent: %w", err)
	}
	return nil
}
