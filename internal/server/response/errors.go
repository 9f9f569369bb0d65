package response

import (
	"encoding/xml"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/s3err"
)

// StatusClientClosedRequest is the nginx convention for requests aborted by
// the client before a response was produced.
const StatusClientClosedRequest = 499

// ErrorWriter maps errors onto S3 error responses.
type ErrorWriter struct {
	logger *logrus.Entry
}

// NewErrorWriter creates an ErrorWriter.
func NewErrorWriter(logger *logrus.Logger) *ErrorWriter {
	return &ErrorWriter{logger: logger.WithField("component", "response")}
}

// WriteError sends the S3 XML error document for err. Context cancellation is
// not a server fault: the client is gone, so the status is recorded for the
// logs and no body is written.
func (e *ErrorWriter) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if s3err.IsCanceled(err) {
		e.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Debug("Client disconnected before response")
		w.WriteHeader(StatusClientClosedRequest)
		return
	}

	s3Err := s3err.From(err)
	requestID := uuid.NewString()

	entry := e.logger.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"code":       s3Err.Code,
		"status":     s3Err.HTTPStatus,
		"request_id": requestID,
	})
	if s3Err.HTTPStatus >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("X-Amz-Request-Id", requestID)
	w.WriteHeader(s3Err.HTTPStatus)

	// HEAD responses carry no body.
	if r.Method == http.MethodHead {
		return
	}

	body := s3err.ErrorResponse{
		Code:      s3Err.Code,
		Message:   s3Err.Message,
		Resource:  r.URL.Path,
		RequestID: requestID,
	}
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(body); err != nil {
		e.logger.WithError(err).Debug("Failed to encode error response")
	}
}
