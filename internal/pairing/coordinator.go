// Package pairing matches two free users into a new room. The store has no
// multi-key transactions, so a pairing is an optimistic claim of both session
// pointers followed by compensation when a concurrent attempt wins either one.
package pairing

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pairchat/server/internal/chat"
	"github.com/pairchat/server/internal/metrics"
	"github.com/pairchat/server/internal/session"
)

var log = logrus.WithField("component", "pairing")

// Coordinator owns the pairing and teardown composites.
type Coordinator struct {
	sessions  *session.Store
	rooms     *chat.Store
	newRoomID func() string
}

// NewCoordinator creates a Coordinator over the pointer and room stores.
func NewCoordinator(sessions *session.Store, rooms *chat.Store) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		rooms:     rooms,
		newRoomID: uuid.NewString,
	}
}

// StartChat pairs initiator with target and returns the new room id.
//
// Failures: ErrSelfPairing, ErrAlreadyInChat (wrapped in a RoomError naming
// the initiator's room), ErrUserBusy, ErrPairingConflict, or a store error.
func (c *Coordinator) StartChat(ctx context.Context, initiator, target string) (string, error) {
	if initiator == "" || target == "" || initiator == target {
		return "", ErrSelfPairing
	}

	var current [2]string
	users := [2]string{initiator, target}

	g, gctx := errgroup.WithContext(ctx)
	for i := range users {
		g.Go(func() error {
			roomID, err := c.ActiveRoom(gctx, users[i])
			current[i] = roomID
			return err
		})
	}
	if err := g.Wait(); err != nil {
		metrics.PairingsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	if current[0] != "" {
		metrics.PairingsTotal.WithLabelValues("already_in_chat").Inc()
		return "", &RoomError{Err: ErrAlreadyInChat, RoomID: current[0]}
	}
	if current[1] != "" {
		metrics.PairingsTotal.WithLabelValues("user_busy").Inc()
		return "", ErrUserBusy
	}

	roomID := c.newRoomID()

	// The participant set goes first: any pointer a reader can observe then
	// names a room that exists, and is never reconciled away as stale.
	if err := c.rooms.Create(ctx, roomID, initiator, target); err != nil {
		metrics.PairingsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	claimed, err := c.claim(ctx, roomID, initiator, target)
	if err != nil || len(claimed) < 2 {
		c.rollback(ctx, roomID, claimed)
		if err != nil {
			metrics.PairingsTotal.WithLabelValues("error").Inc()
			return "", err
		}
		metrics.PairingsTotal.WithLabelValues("conflict").Inc()
		log.WithFields(logrus.Fields{
			"room":      roomID,
			"initiator": initiator,
			"target":    target,
		}).Debug("pairing lost a race, rolled back")
		return "", ErrPairingConflict
	}

	metrics.PairingsTotal.WithLabelValues("created").Inc()
	log.WithFields(logrus.Fields{
		"room":      roomID,
		"initiator": initiator,
		"target":    target,
	}).Info("room created")
	return roomID, nil
}

// claim writes the pointers one user at a time in id order and stops at the
// first user that is already claimed. Two racing attempts on the same pair
// always contend on the same first key, so exactly one of them can reach the
// second. It returns the users whose pointers were written.
func (c *Coordinator) claim(ctx context.Context, roomID string, users ...string) ([]string, error) {
	ordered := append([]string(nil), users...)
	sort.Strings(ordered)

	claimed := make([]string, 0, len(ordered))
	for _, u := range ordered {
		ok, err := c.sessions.Claim(ctx, roomID, u)
		if err != nil {
			// The write may have landed; compensation compares values, so
			// releasing it anyway is safe.
			return append(claimed, u), err
		}
		if !ok[0] {
			return claimed, nil
		}
		claimed = append(claimed, u)
	}
	return claimed, nil
}

// rollback releases the pointers written for roomID, then drops the orphan
// participant set. Release compares the value, so a pointer taken over by a
// different room is left alone.
func (c *Coordinator) rollback(ctx context.Context, roomID string, users []string) {
	for _, u := range users {
		if _, err := c.sessions.Release(ctx, u, roomID); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"room": roomID, "user": u}).
				Warn("failed to roll back pointer")
		}
	}
	if _, err := c.rooms.Delete(ctx, roomID); err != nil {
		log.WithError(err).WithField("room", roomID).Warn("failed to drop orphan room")
	}
}

// ActiveRoom returns the room userID is paired into, or "" when the user is
// free. A pointer whose room has already expired is cleared on the way.
func (c *Coordinator) ActiveRoom(ctx context.Context, userID string) (string, error) {
	roomID, err := c.sessions.ActiveRoom(ctx, userID)
	if err != nil || roomID == "" {
		return "", err
	}

	exists, err := c.rooms.Exists(ctx, roomID)
	if err != nil {
		return "", err
	}
	if exists {
		return roomID, nil
	}

	released, err := c.sessions.Release(ctx, userID, roomID)
	if err != nil {
		return "", err
	}
	if released {
		metrics.StalePointersTotal.Inc()
		log.WithFields(logrus.Fields{"user": userID, "room": roomID}).Info("cleared stale pointer")
	}
	return "", nil
}

// EndChat terminates roomID and returns its participants for notification.
// Only the call that removes the participant set returns them: a room that
// no longer exists, or that a concurrent call removed first, yields none, so
// each room is announced as ended at most once.
func (c *Coordinator) EndChat(ctx context.Context, roomID string) ([]string, error) {
	if roomID == "" {
		return nil, nil
	}
	participants, err := c.rooms.Participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, nil
	}

	var errs []error
	for _, u := range participants {
		if _, err := c.sessions.Release(ctx, u, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	removed, err := c.rooms.Delete(ctx, roomID)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if !removed {
		log.WithField("room", roomID).Debug("room already ended by a concurrent teardown")
		return nil, nil
	}

	log.WithFields(logrus.Fields{"room": roomID, "participants": participants}).Info("room ended")
	return participants, nil
}
