package crawler

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidHTTPURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  bool
	}{
		{"https", "https://example.com/a", true},
		{"http with port", "http://example.com:8080/", true},
		{"relative", "/b", false},
		{"mailto", "mailto:someone@example.com", false},
		{"ftp", "ftp://example.com/file", false},
		{"no host", "https://", false},
		{"garbage", "http://%zz", false},
		{"empty", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsValidHTTPURL(tc.input))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"keeps path", "https://example.com/a", "https://example.com/a"},
		{"lowercases host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"drops default https port", "https://example.com:443/x", "https://example.com/x"},
		{"drops default http port", "http://example.com:80/x", "http://example.com/x"},
		{"keeps custom port", "http://example.com:8080/x", "http://example.com:8080/x"},
		{"strips fragment", "https://example.com/a#top", "https://example.com/a"},
		{"adds root path", "https://example.com", "https://example.com/"},
		{"keeps query order", "https://example.com/s?b=2&a=1", "https://example.com/s?b=2&a=1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("ftp://example.com")
	require.Error(t, err)

	_, err = NormalizeURL("/relative")
	require.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/dir/page")
	require.NoError(t, err)

	got, err := ResolveURL(base, "/b")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/b", got)

	got, err = ResolveURL(base, "sibling#frag")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/dir/sibling", got)

	got, err = ResolveURL(base, "mailto:x@example.com")
	require.NoError(t, err)
	require.False(t, IsValidHTTPURL(got))

	_, err = ResolveURL(base, "http://[::1")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLinkResolution))
}

func TestFailureKind(t *testing.T) {
	t.Parallel()

	require.Equal(t, "none", FailureKind(nil))
	require.Equal(t, "fetch", FailureKind(errors.Join(errors.New("x"), ErrFetch)))
	require.Equal(t, "unsupported_content", FailureKind(ErrUnsupportedContent))
	require.Equal(t, "classification", FailureKind(ErrClassification))
	require.Equal(t, "persistence", FailureKind(ErrPersistence))
	require.Equal(t, "other", FailureKind(errors.New("boom")))
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusCrawled.Terminal())
	require.True(t, StatusSkipped.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusCrawling.Terminal())
	require.True(t, StatusClassifying.Valid())
	require.False(t, Status("bogus").Valid())
}
