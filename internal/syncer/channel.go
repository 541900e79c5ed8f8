package syncer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const channelIssuer = "calsync"

// ErrInvalidChannelToken is returned when a notification's channel token does
// not match the watch it claims to belong to.
var ErrInvalidChannelToken = errors.New("invalid channel token")

// Target is what a push channel points at: one calendar, or the calendar
// list of an account when List is set.
type Target struct {
	AccountID  int64
	CalendarID int64
	UserID     int64
	List       bool
}

func (t Target) subject() string {
	if t.List {
		return "list:" + strconv.FormatInt(t.AccountID, 10)
	}
	return "calendar:" + strconv.FormatInt(t.CalendarID, 10)
}

// ChannelSigner issues the opaque token Google echoes back with every
// notification, binding a channel to its target.
type ChannelSigner struct {
	key []byte
	now func() time.Time
}

func NewChannelSigner(key []byte) *ChannelSigner {
	return &ChannelSigner{key: key, now: time.Now}
}

func (s *ChannelSigner) Sign(t Target) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   channelIssuer,
		Subject:  t.subject(),
		IssuedAt: jwt.NewNumericDate(s.now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign channel token: %w", err)
	}
	return signed, nil
}

// Verify checks that token was issued by this process for t.
func (s *ChannelSigner) Verify(token string, t Target) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidChannelToken
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(channelIssuer),
		jwt.WithSubject(t.subject()),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChannelToken, err)
	}
	return nil
}
