package action

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"agencyflow/logging"
)

// Result is the response body shared by every endpoint.
type Result struct {
	Success     bool              `json:"success"`
	Data        any               `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	Message     string            `json:"message,omitempty"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

const genericFailure = "Something went wrong. Please try again."

// Classify converts err into an HTTP status and a failed Result. Errors that
// are not domain errors are logged and replaced by a generic message.
func Classify(err error) (int, Result) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, Result{
			Success:     false,
			Error:       "Validation failed",
			FieldErrors: verr.Fields,
		}
	}

	var derr *Error
	if errors.As(err, &derr) {
		msg := derr.Message
		switch derr.Kind {
		case KindUnauthorized:
			return http.StatusUnauthorized, Result{Error: "Unauthorized"}
		case KindForbidden:
			if msg == "" {
				msg = "You do not have permission to perform this action"
			}
			return http.StatusForbidden, Result{Error: msg}
		case KindNotFound:
			if msg == "" {
				msg = "Not found"
			}
			return http.StatusNotFound, Result{Error: msg}
		case KindConflict:
			if msg == "" {
				msg = "Conflict"
			}
			return http.StatusConflict, Result{Error: msg}
		case KindGone:
			return http.StatusGone, Result{Error: msg}
		case KindValidation:
			return http.StatusBadRequest, Result{Error: msg}
		}
	}

	logging.Logger.WithError(err).Error("action failed")
	return http.StatusInternalServerError, Result{Error: genericFailure}
}

// Respond writes a successful Result wrapping data.
func Respond(w http.ResponseWriter, status int, data any, message string) {
	Write(w, status, Result{Success: true, Data: data, Message: message})
}

// Fail classifies err and writes the failed Result.
func Fail(w http.ResponseWriter, err error) {
	status, res := Classify(err)
	Write(w, status, res)
}

// Write encodes res as JSON with the given status.
func Write(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logging.Logger.WithFields(logrus.Fields{"status": status}).WithError(err).Warn("encode response")
	}
}
