package response

import (
	"encoding/xml"
	"net/http"

	"github.com/sirupsen/logrus"
)

// XMLWriter serializes response envelopes with the XML declaration prepended.
type XMLWriter struct {
	logger *logrus.Entry
}

// NewXMLWriter creates an XMLWriter.
func NewXMLWriter(logger *logrus.Logger) *XMLWriter {
	return &XMLWriter{logger: logger.WithField("component", "response")}
}

// Write sends an XML document with the given status code. Encoding failures
// after the header is written can only be logged.
func (x *XMLWriter) Write(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		x.logger.WithError(err).Debug("Failed to write XML header")
		return
	}
	if err := xml.NewEncoder(w).Encode(body); err != nil {
		x.logger.WithError(err).Error("Failed to encode XML response")
	}
}
