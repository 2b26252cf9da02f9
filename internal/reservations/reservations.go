// Package reservations implements advance booking of a PC for a future
// time window, rejecting any window that overlaps an existing
// non-cancelled reservation for that PC.
package reservations

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/relaydesk/internal/apperr"
	"github.com/rjsadow/relaydesk/internal/db"
)

// Service implements reservation creation and overlap checking.
type Service struct {
	db *db.DB
}

// New builds a reservation service.
func New(database *db.DB) *Service {
	return &Service{db: database}
}

// Create implements createReservation(pcId, userId, startAt, endAt):
// the window must lie in the future and must not overlap any existing
// non-cancelled reservation on the same PC.
func (s *Service) Create(ctx context.Context, pcID, userID string, startAt, endAt time.Time) (*db.Reservation, error) {
	if !endAt.After(startAt) {
		return nil, apperr.Validation("endAt must be after startAt")
	}
	if !startAt.After(time.Now()) {
		return nil, apperr.Validation("startAt must be in the future")
	}

	pc, err := s.db.GetPC(ctx, nil, pcID)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, apperr.PCNotFound("pc not found: " + pcID)
	}

	overlaps, err := s.db.HasOverlappingReservation(ctx, nil, pcID, startAt, endAt)
	if err != nil {
		return nil, err
	}
	if overlaps {
		return nil, apperr.ScheduleConflict("requested window overlaps an existing reservation")
	}

	reservation := &db.Reservation{
		ID:      uuid.NewString(),
		PCID:    pcID,
		UserID:  userID,
		StartAt: startAt,
		EndAt:   endAt,
		Status:  db.ReservationStatusScheduled,
	}
	if err := s.db.CreateReservation(ctx, nil, reservation); err != nil {
		return nil, err
	}
	return reservation, nil
}
