package s3err

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
)

// Error is an S3 API error. It carries the wire-level error code, the
// human-readable message, and the HTTP status the code maps to.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithMessage returns a copy of the error with a formatted message. The code
// and status are preserved so errors.Is against the package sentinel still
// matches via Is.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return &Error{
		Code:       e.Code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: e.HTTPStatus,
	}
}

// Is matches errors by S3 code, so a WithMessage copy still satisfies
// errors.Is(err, ErrNoSuchKey).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrNoSuchBucket          = &Error{"NoSuchBucket", "The specified bucket does not exist", http.StatusNotFound}
	ErrNoSuchKey             = &Error{"NoSuchKey", "The specified key does not exist", http.StatusNotFound}
	ErrNoSuchUpload          = &Error{"NoSuchUpload", "The specified multipart upload does not exist", http.StatusNotFound}
	ErrBucketAlreadyExists   = &Error{"BucketAlreadyExists", "The requested bucket name is not available", http.StatusConflict}
	ErrBucketNotEmpty        = &Error{"BucketNotEmpty", "The bucket you tried to delete is not empty", http.StatusConflict}
	ErrInvalidBucketName     = &Error{"InvalidBucketName", "The specified bucket is not valid", http.StatusBadRequest}
	ErrInvalidObjectName     = &Error{"InvalidObjectName", "The specified object key is not valid", http.StatusBadRequest}
	ErrInvalidArgument       = &Error{"InvalidArgument", "Invalid argument", http.StatusBadRequest}
	ErrInvalidPart           = &Error{"InvalidPart", "One or more of the specified parts could not be found or did not match", http.StatusBadRequest}
	ErrInvalidPartOrder      = &Error{"InvalidPartOrder", "The list of parts was not in ascending order", http.StatusBadRequest}
	ErrEntityTooSmall        = &Error{"EntityTooSmall", "Your proposed upload is smaller than the minimum allowed part size", http.StatusBadRequest}
	ErrInvalidChecksum       = &Error{"InvalidChecksum", "The provided checksum does not match the computed value", http.StatusBadRequest}
	ErrInvalidChunkSignature = &Error{"InvalidChunkSignature", "The chunk signature does not match the signature we calculated", http.StatusForbidden}
	ErrIncompleteBody        = &Error{"IncompleteBody", "The request body terminated unexpectedly", http.StatusBadRequest}
	ErrSignatureDoesNotMatch = &Error{"SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided", http.StatusForbidden}
	ErrAccessDenied          = &Error{"AccessDenied", "Access Denied", http.StatusForbidden}
	ErrMalformedXML          = &Error{"MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema", http.StatusBadRequest}
	ErrInvalidRange          = &Error{"InvalidRange", "The requested range is not satisfiable", http.StatusRequestedRangeNotSatisfiable}
	ErrInternalError         = &Error{"InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError}
	ErrNotImplemented        = &Error{"NotImplemented", "A header or query you provided implies functionality that is not implemented", http.StatusNotImplemented}
)

// From extracts an *Error from err, falling back to ErrInternalError for
// anything that is not one. Cancellation is deliberately not mapped here;
// callers check IsCanceled first.
func From(err error) *Error {
	var s3e *Error
	if errors.As(err, &s3e) {
		return s3e
	}
	return ErrInternalError
}

// IsCanceled reports whether err stems from request cancellation or a
// deadline, which is reported to clients distinctly from server faults.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ErrorResponse is the XML error envelope returned on every failed request.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}
