package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrNoRefreshToken is wrapped by Exchange when Google answered without an
// offline grant. It happens when the user consented earlier and Google skipped
// the consent screen.
var ErrNoRefreshToken = errors.New("no refresh token granted")

// Kind classifies provider failures for the caller's retry policy.
type Kind int

const (
	KindOther Kind = iota
	// KindUnauthorized means the grant was rejected; the account must be re-linked.
	KindUnauthorized
	// KindSyncTokenInvalid means the sync cursor expired and a full fetch is required.
	KindSyncTokenInvalid
	// KindTransient covers timeouts, throttling and 5xx responses.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindSyncTokenInvalid:
		return "sync_token_invalid"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

// Error is returned by every Client operation that reached the provider.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("google %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("google %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindOther
}

func IsUnauthorized(err error) bool     { return kindOf(err) == KindUnauthorized }
func IsSyncTokenInvalid(err error) bool { return kindOf(err) == KindSyncTokenInvalid }
func IsTransient(err error) bool        { return kindOf(err) == KindTransient }

// quota and throttling reasons Google reports with a 403.
var throttleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

var authReasons = map[string]bool{
	"authError":               true,
	"insufficientPermissions": true,
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &Error{Kind: kindForAPIError(gerr), Op: op, Status: gerr.Code, Err: err}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		kind := KindOther
		switch {
		case rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client":
			kind = KindUnauthorized
		case status == http.StatusUnauthorized || status == http.StatusBadRequest:
			kind = KindUnauthorized
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			kind = KindTransient
		}
		return &Error{Kind: kind, Op: op, Status: status, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindOther, Op: op, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return &Error{Kind: KindOther, Op: op, Err: err}
}

func kindForAPIError(gerr *googleapi.Error) Kind {
	switch {
	case gerr.Code == http.StatusGone:
		return KindSyncTokenInvalid
	case gerr.Code == http.StatusUnauthorized:
		return KindUnauthorized
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if throttleReasons[item.Reason] {
				return KindTransient
			}
			if authReasons[item.Reason] {
				return KindUnauthorized
			}
		}
		return KindOther
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= http.StatusInternalServerError:
		return KindTransient
	default:
		return KindOther
	}
}
