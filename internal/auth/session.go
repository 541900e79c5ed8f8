package auth

import (
	"crypto/sha256"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"

	"gitea.jw6.us/james/calsync/internal/config"
)

const (
	sessionCookie = "calsync_session"
	sessionTTL    = 7 * 24 * time.Hour
)

type sessionValue struct {
	UserID  int64 `json:"uid"`
	Expires int64 `json:"exp"`
}

// SessionManager keeps the signed-in user in an encrypted cookie.
type SessionManager struct {
	codec  *securecookie.SecureCookie
	secure bool
	now    func() time.Time
}

func NewSessionManager(cfg *config.Config) *SessionManager {
	hash := sha256.Sum256([]byte(cfg.Session.Secret))
	block := sha256.Sum256(append([]byte("calsync session block:"), cfg.Session.Secret...))

	sc := securecookie.New(hash[:], block[:])
	sc.MaxAge(int(sessionTTL / time.Second))
	sc.SetSerializer(securecookie.JSONEncoder{})

	return &SessionManager{codec: sc, secure: secureBase(cfg.BaseURL), now: time.Now}
}

// secureBase reports whether cookies should carry the Secure flag.
func secureBase(baseURL string) bool {
	u, err := url.Parse(baseURL)
	return err != nil || u.Scheme == "https"
}

// Issue starts a session for userID.
func (m *SessionManager) Issue(w http.ResponseWriter, userID int64) error {
	exp := m.now().Add(sessionTTL)
	encoded, err := m.codec.Encode(sessionCookie, sessionValue{UserID: userID, Expires: exp.Unix()})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    encoded,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
	})
}

// CurrentUserID extracts the user ID from the request session if present.
func (m *SessionManager) CurrentUserID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return 0, false
	}
	var v sessionValue
	if err := m.codec.Decode(sessionCookie, c.Value, &v); err != nil {
		return 0, false
	}
	if v.UserID == 0 || !time.Unix(v.Expires, 0).After(m.now()) {
		return 0, false
	}
	return v.UserID, true
}
