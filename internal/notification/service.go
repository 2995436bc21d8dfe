package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/christopherjohns/noticeboard/internal/apperr"
	"github.com/christopherjohns/noticeboard/internal/identity"
	"github.com/christopherjohns/noticeboard/internal/metrics"
)

const errStoreMessage = "Database error. Please try again later."

// Broadcaster fans a persisted record out to connected channels. It must not
// block on network I/O.
type Broadcaster interface {
	Notify(rec Record)
}

// Service posts notifications and pages through history.
type Service struct {
	store       Store
	broadcaster Broadcaster
	log         zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	// postMu orders timestamp assignment, append and broadcast so every
	// channel sees notifications in append order.
	postMu sync.Mutex
	last   time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics records posts and store failures.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A nil broadcaster only persists.
func NewService(store Store, b Broadcaster, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		broadcaster: b,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post validates content, persists it under author and broadcasts it. Nothing
// is broadcast unless the append succeeded.
func (s *Service) Post(ctx context.Context, author identity.Identity, raw string) (Record, error) {
	if author.IsZero() {
		return Record{}, apperr.New(apperr.KindUnauthorized, "Unauthorized access: session expired. Please, log in again.")
	}
	if !author.IsAdmin() {
		return Record{}, apperr.New(apperr.KindForbidden, "Only administrators can post notifications.")
	}
	content, err := ValidateContent(raw)
	if err != nil {
		return Record{}, err
	}

	s.postMu.Lock()
	defer s.postMu.Unlock()

	rec := Record{
		ID:         uuid.NewString(),
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		AuthorRole: author.Role,
		Content:    content,
		SentAt:     s.nextTimestamp(),
	}
	if err := s.store.Append(ctx, &rec); err != nil {
		s.metrics.StoreError("append")
		s.log.Error().Err(err).Str("author", author.DisplayName).Msg("failed to save notification")
		return Record{}, apperr.Wrap(apperr.KindStore, errStoreMessage, err)
	}
	s.metrics.NotificationPosted()
	s.log.Info().Str("author", author.DisplayName).Str("id", rec.ID).Msg("notification saved")

	if s.broadcaster != nil {
		s.broadcaster.Notify(rec)
	}
	return rec, nil
}

// PageBefore returns up to limit records strictly older than cursor, or the
// newest limit records when cursor is nil. The page is oldest first.
func (s *Service) PageBefore(ctx context.Context, cursor *time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	page, err := s.store.Before(ctx, cursor, limit)
	if err != nil {
		s.metrics.StoreError("before")
		return nil, apperr.Wrap(apperr.KindStore, errStoreMessage, fmt.Errorf("history: %w", err))
	}
	if page == nil {
		page = []Record{}
	}
	return page, nil
}

// nextTimestamp returns a UTC millisecond timestamp strictly after the
// previous one. Must be called with postMu held.
func (s *Service) nextTimestamp() time.Time {
	ts := s.now().UTC().Truncate(time.Millisecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Millisecond)
	}
	s.last = ts
	return ts
}

// ParseCursor parses a history cursor. Empty input means no cursor.
func ParseCursor(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "Invalid cursor: expected an ISO-8601 timestamp.")
	}
	return &ts, nil
}

// FormatTimestamp renders t as ISO-8601 UTC with milliseconds.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
