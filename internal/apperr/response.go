package apperr

import (
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/2beens/usermgmt/pkg"
)

const defaultMessage = "Internal server error"

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Write is the boundary translator: it logs the internal cause and answers
// with the kind's status code and the public message only.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = Internal(defaultMessage, err)
	}

	message := appErr.Message
	if message == "" {
		message = defaultMessage
	}

	switch appErr.Kind {
	case KindInternal:
		log.Errorf("[%s %s] %s", r.Method, r.URL.Path, appErr)
	case KindAuthentication, KindAuthorization:
		log.Debugf("[%s %s] %s", r.Method, r.URL.Path, appErr)
	default:
		log.Tracef("[%s %s] %s", r.Method, r.URL.Path, appErr)
	}

	pkg.WriteJSON(w, appErr.Kind.StatusCode(), ErrorResponse{Error: message})
}
