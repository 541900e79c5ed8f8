package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	apierrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

// Push notification headers set by Google.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// handleWebhook accepts push notifications. The refresh runs in the
// background so Google always gets a prompt answer for known channels.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	n := syncer.Notification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceID:    r.Header.Get(headerResourceID),
		ResourceState: r.Header.Get(headerResourceState),
		Token:         r.Header.Get(headerChannelToken),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	target, err := s.sync.HandleNotification(ctx, n)
	switch {
	case err == nil:
		s.log.WithFields(logrus.Fields{
			"channel_id":  n.ChannelID,
			"state":       n.ResourceState,
			"account_id":  target.AccountID,
			"calendar_id": target.CalendarID,
			"list":        target.List,
		}).Debug("push notification accepted")
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, syncer.ErrUnknownChannel):
		apierrors.Write(w, r, http.StatusNotFound, "unknown channel")
	case errors.Is(err, syncer.ErrInvalidChannelToken):
		apierrors.LogError(r, "push notification with bad channel token", err)
		apierrors.Write(w, r, http.StatusForbidden, "invalid channel token")
	default:
		apierrors.InternalError(w, r, err, "handle push notification")
	}
}
