package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxSeedBodyBytes = 1 << 20

var (
	errMissingContentType   = errors.New("missing Content-Type header")
	errUnsupportedMediaType = errors.New("unsupported Content-Type")
	errMissingURL           = errors.New(`missing "url" field in request body`)
)

type seedRequest struct {
	URL string `json:"url"`
}

// decodeSeedURL reads the seed URL from a JSON, form-encoded or plain text body.
func decodeSeedURL(w http.ResponseWriter, r *http.Request) (string, error) {
	header := r.Header.Get("Content-Type")
	if header == "" {
		return "", errMissingContentType
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", fmt.Errorf("%w: %q", errUnsupportedMediaType, header)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSeedBodyBytes)

	var raw string
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var req seedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		raw = req.URL
	case mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(maxSeedBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return "", fmt.Errorf("invalid form body: %w", err)
		}
		raw = r.PostFormValue("url")
	case mediaType == "text/plain" || mediaType == "application/text":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		raw = string(body)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedMediaType, mediaType)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingURL
	}
	return raw, nil
}
