package journal

import (
	"context"
	"errors"
	"time"

	"pbxlink/internal/events"

	"github.com/google/uuid"
)

// Repository is the persistence contract. It is append-only: there is no
// update or delete.
type Repository interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Service journals events. It is an events.Handler, so it can sit in the
// sink chain of a subscription.
type Service struct {
	repo   Repository
	clock  func() time.Time
	source string

	// SubscriptionID, when set, is stamped on every record.
	SubscriptionID func() string
}

func NewService(repo Repository, source string) *Service {
	return &Service{repo: repo, clock: time.Now, source: source}
}

var ErrInvalidRecord = errors.New("journal: invalid record")

func (s *Service) Append(ctx context.Context, rec Record) error {
	if s.repo == nil {
		return errors.New("journal: repository not configured")
	}
	if rec.EventName == "" {
		return ErrInvalidRecord
	}

	now := s.clock().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = now
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = rec.RecordedAt
	}
	if rec.Source == "" {
		rec.Source = s.source
	}
	return s.repo.Append(ctx, rec)
}

func (s *Service) HandleEvent(ctx context.Context, e events.Event) error {
	rec := Record{
		EventName:  e.Name,
		Payload:    append([]byte(nil), e.Raw...),
		ReceivedAt: e.ReceivedAt,
	}
	if s.SubscriptionID != nil {
		rec.SubscriptionID = s.SubscriptionID()
	}
	return s.Append(ctx, rec)
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.repo == nil {
		return nil, errors.New("journal: repository not configured")
	}
	return s.repo.Recent(ctx, limit)
}
