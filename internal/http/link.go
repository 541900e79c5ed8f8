package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	apierrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/syncer"
)

const linkStateTTL = 15 * time.Minute

// linkState travels through Google as the OAuth state parameter, sealed
// with the payload key.
type linkState struct {
	UserID  int64  `json:"uid"`
	Nonce   string `json:"n"`
	Mail    bool   `json:"mail,omitempty"`
	Expires int64  `json:"exp"`
}

// beginLink sends the user to Google's consent screen. ?mail=1 also asks
// for permission to send mail.
func (s *server) beginLink(w http.ResponseWriter, r *http.Request) {
	st := linkState{
		UserID:  currentUser(r).ID,
		Nonce:   uuid.NewString(),
		Mail:    r.URL.Query().Get("mail") == "1",
		Expires: s.now().Add(linkStateTTL).Unix(),
	}
	sealed, err := s.vault.SealJSON(st)
	if err != nil {
		apierrors.InternalError(w, r, err, "seal link state")
		return
	}
	http.Redirect(w, r, s.linker.AuthCodeURL(sealed, st.Mail), http.StatusFound)
}

// completeLink finishes the consent flow and runs the first sync.
func (s *server) completeLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var st linkState
	if err := s.vault.OpenJSON(q.Get("state"), &st); err != nil {
		apierrors.BadRequestError(w, r, err, "link request expired, please start again")
		return
	}
	user := currentUser(r)
	if st.UserID != user.ID || !time.Unix(st.Expires, 0).After(s.now()) {
		apierrors.BadRequestError(w, r, errors.New("link state does not match session"), "link request expired, please start again")
		return
	}
	if e := q.Get("error"); e != "" {
		apierrors.Write(w, r, http.StatusForbidden, "calendar access was not granted: "+e)
		return
	}
	code := q.Get("code")
	if code == "" {
		apierrors.BadRequestError(w, r, errors.New("missing code"), "missing authorization code")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Sync.AccountTimeout)
	defer cancel()
	_, err := s.sync.Link(ctx, user.ID, code)
	switch {
	case errors.Is(err, syncer.ErrNoRefreshToken):
		apierrors.LogError(r, "link without refresh token", err)
		apierrors.Write(w, r, http.StatusBadGateway, "Google did not grant offline access; remove calsync under your Google account permissions and try again")
		return
	case errors.Is(err, syncer.ErrReauthRequired), errors.Is(err, syncer.ErrDegraded):
		// The account is stored; the first sync will be retried by polling.
		apierrors.LogError(r, "initial sync incomplete", err)
	case err != nil:
		apierrors.LogError(r, "link account", err)
		apierrors.Write(w, r, http.StatusBadGateway, "linking failed, please try again")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}
