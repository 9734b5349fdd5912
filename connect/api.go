package connect

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// the body the server returns from the liveness endpoint when it can accept connections
const LivenessSentinel = "OK!"

// the probe reads at most this much of a response body
const maxProbeBodySize = 1024

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// ProbeUrl derives the liveness url from a websocket url.
// The endpoint `ping` is resolved relative to the websocket path and keeps the query (e.g. a secret).
func ProbeUrl(wsUrl string) (string, error) {
	u, err := url.Parse(wsUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("Unsupported scheme: %s", u.Scheme)
	}
	query := u.RawQuery
	u = u.ResolveReference(&url.URL{Path: "ping"})
	u.RawQuery = query
	return u.String(), nil
}

// LivenessProbe is a lightweight out of band check that the server is up,
// so that reconnects do not hot loop against a server that is down.
type LivenessProbe struct {
	url     string
	header  http.Header
	timeout time.Duration
	client  *http.Client
}

func NewLivenessProbe(probeUrl string, header http.Header, timeout time.Duration) *LivenessProbe {
	return &LivenessProbe{
		url:     probeUrl,
		header:  header,
		timeout: timeout,
		client:  defaultClient(),
	}
}

func (self *LivenessProbe) Url() string {
	return self.url
}

// Healthy is true only when the endpoint answers 200 with the sentinel body.
func (self *LivenessProbe) Healthy(ctx context.Context) bool {
	body, err := self.get(ctx)
	if err != nil {
		glog.V(2).Infof("[p]%s not ready = %s\n", self.url, err)
		return false
	}
	if strings.TrimSpace(body) != LivenessSentinel {
		glog.V(2).Infof("[p]%s not ready = unexpected body\n", self.url)
		return false
	}
	return true
}

// WaitForOnline polls every `interval` until the endpoint is healthy.
func (self *LivenessProbe) WaitForOnline(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if self.Healthy(ctx) {
			return nil
		}
	}
}

func (self *LivenessProbe) get(ctx context.Context) (string, error) {
	if 0 < self.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, self.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", self.url, nil)
	if err != nil {
		return "", err
	}
	for key, values := range self.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	r, err := self.client.Do(req)
	if err != nil {
		return "", err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxProbeBodySize))
	if err != nil {
		return "", err
	}
	if http.StatusOK != r.StatusCode {
		return "", fmt.Errorf("status %d", r.StatusCode)
	}
	return string(responseBodyBytes), nil
}
