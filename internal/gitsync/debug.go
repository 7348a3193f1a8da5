package gitsync

import (
	"net/http"
	"net/http/httputil"
	"regexp"

	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/taskpdf/taskpdf/internal/logging"
)

var authorizationHeader = regexp.MustCompile(`(?mi)^(Authorization|Proxy-Authorization):.*$`)

// LoggingTransport is an http.RoundTripper that logs request and response
// headers at debug level. Credentials are redacted.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *logging.Logger
}

// NewLoggingTransport creates a new LoggingTransport. If transport is nil,
// http.DefaultTransport is used.
func NewLoggingTransport(transport http.RoundTripper, logger *logging.Logger) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		Logger:    logger,
	}
}

// InstallDebugTransport routes go-git's http and https remotes through a
// LoggingTransport.
func InstallDebugTransport(logger *logging.Logger) {
	c := githttp.NewClient(&http.Client{Transport: NewLoggingTransport(nil, logger)})
	client.InstallProtocol("http", c)
	client.InstallProtocol("https", c)
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, false); err != nil {
		t.Logger.Debugf("git http: failed to dump request: %v", err)
	} else {
		t.Logger.Debugf("git http request:\n%s", redact(dump))
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.Logger.Debugf("git http: request failed: %v", err)
		return resp, err
	}

	if dump, err := httputil.DumpResponse(resp, false); err != nil {
		t.Logger.Debugf("git http: failed to dump response: %v", err)
	} else {
		t.Logger.Debugf("git http response:\n%s", dump)
	}

	return resp, nil
}

func redact(dump []byte) []byte {
	return authorizationHeader.ReplaceAll(dump, []byte("$1: <redacted>"))
}
