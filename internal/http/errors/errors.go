// Package errors writes JSON error responses and logs the cause with the
// request id.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used for request errors.
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		logger = l
	}
}

type body struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func requestLog(r *http.Request) logrus.FieldLogger {
	l := logger.WithField("path", r.URL.Path)
	if id := middleware.GetReqID(r.Context()); id != "" {
		l = l.WithField("request_id", id)
	}
	return l
}

// Write sends message with status without logging.
func Write(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body{Error: message, RequestID: middleware.GetReqID(r.Context())})
}

// InternalError logs err and hides it from the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	requestLog(r).WithError(err).Error(message)
	Write(w, r, http.StatusInternalServerError, "internal server error")
}

func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	requestLog(r).WithError(err).Warn("bad request")
	Write(w, r, http.StatusBadRequest, clientMessage)
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusNotFound, "not found")
}

func LogError(r *http.Request, message string, err error) {
	requestLog(r).WithError(err).Error(message)
}

func LogInfo(r *http.Request, message string) {
	requestLog(r).Info(message)
}
