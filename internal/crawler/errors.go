package crawler

import "errors"

// Error taxonomy for the crawl pipeline. Callers wrap these with context and
// test for them with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrClassification     = errors.New("classification failed")
	ErrFetch              = errors.New("fetch failed")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrPersistence        = errors.New("persistence failed")
	ErrLinkResolution     = errors.New("link resolution failed")
	ErrNotFound           = errors.New("url not found")
	ErrQueueClosed        = errors.New("queue closed")
)

// FailureKind maps an error to a short label used for metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrClassification):
		return "classification"
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrUnsupportedContent):
		return "unsupported_content"
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrNotFound):
		return "persistence"
	case errors.Is(err, ErrLinkResolution):
		return "link_resolution"
	default:
		return "other"
	}
}
