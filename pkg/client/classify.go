package client

import (
	"net/http"
	"unicode/utf8"
)

// Class represents the classification of a request outcome.
type Class string

const (
	// ClassSuccess is a 200 response.
	ClassSuccess Class = "success"

	// ClassClient represents 4xx client errors.
	ClassClient Class = "client"

	// ClassServer represents 5xx server errors.
	ClassServer Class = "server"

	// ClassUnexpected represents any other status code.
	ClassUnexpected Class = "unexpected_status"

	// ClassTransport represents network/timeout errors.
	ClassTransport Class = "transport"
)

// maxErrorBody bounds the response body carried in a StatusError.
const maxErrorBody = 512

// Classifier maps a completed response to an error. A nil error means success.
// API clients supply their own Classifier to add endpoint-specific rules on top
// of ClassifyStatus.
type Classifier func(resp *Response) error

// ClassifyStatus maps a status code to its outcome class.
// Only 200 counts as success.
func ClassifyStatus(status int) Class {
	switch {
	case status == http.StatusOK:
		return ClassSuccess
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500 && status < 600:
		return ClassServer
	default:
		return ClassUnexpected
	}
}

// DefaultClassifier applies ClassifyStatus and turns non-success outcomes into
// *StatusError.
func DefaultClassifier(resp *Response) error {
	class := ClassifyStatus(resp.StatusCode)
	if class == ClassSuccess {
		return nil
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Class:      class,
		Body:       truncate(resp.Body, maxErrorBody),
	}
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	cut := body[:limit]
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "..."
}
