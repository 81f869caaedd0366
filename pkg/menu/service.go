package menu

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/rbac"
)

// PermissionSource is the part of the resolver the menu service needs
type PermissionSource interface {
	GetEffectivePermissions(ctx context.Context, userID string) (*rbac.PermissionSet, error)
}

// Service builds menus for users from a Source
type Service struct {
	source   Source
	resolver PermissionSource
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger for degraded builds
func WithServiceLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithServiceMetrics counts builds by outcome
func WithServiceMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a menu service
func NewService(source Source, resolver PermissionSource, opts ...ServiceOption) *Service {
	s := &Service{
		source:   source,
		resolver: resolver,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildForUser returns the menu visible to userID. When the user's
// permissions cannot be resolved the anonymous menu is returned instead.
// Only a failure to read the items themselves is an error.
func (s *Service) BuildForUser(ctx context.Context, userID string) ([]*Node, error) {
	items, err := s.source.Items(ctx)
	if err != nil {
		s.count("error")
		return nil, err
	}
	if userID == "" {
		s.count("anonymous")
		return BuildMenu(items, nil), nil
	}

	perms, err := s.resolver.GetEffectivePermissions(ctx, userID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		observability.WithTraceContext(ctx, s.logger).WithFields(logrus.Fields{
			"user_id": userID,
		}).WithError(err).Error("Menu permissions unavailable, serving anonymous menu")
		s.count("degraded")
		return BuildMenu(items, nil), nil
	}
	s.count("success")
	return BuildMenu(items, perms), nil
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.MenuBuildsTotal.WithLabelValues(outcome).Inc()
	}
}
