// Package rest is a client for the signed vendor REST API. Every request is
// signed with a fresh nonce and timestamp; responses are validated against
// the success and error envelopes before they are decoded.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/benmeehan/ecoflow-go/pkg/signature"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultHost is the EU endpoint of the open API.
const DefaultHost = "https://api-e.ecoflow.com"

// API paths.
const (
	CertificationPath = "/iot-open/sign/certification"
	DeviceListPath    = "/iot-open/sign/device/list"
	DeviceQuotaAll    = "/iot-open/sign/device/quota/all"
	DeviceQuotaPath   = "/iot-open/sign/device/quota"
)

// Header names expected by the API. They are sent with this exact casing.
const (
	HeaderAccessKey   = "accessKey"
	HeaderTimestamp   = "timestamp"
	HeaderNonce       = "nonce"
	HeaderSign        = "sign"
	HeaderContentType = "Content-Type"

	jsonContentType = "application/json;charset=UTF-8"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPDoer sends a prepared request. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer is told about the outcome of every request.
type Observer interface {
	ObserveRequest(method, path string, err error)
}

// Client talks to the vendor REST API on behalf of one access key.
type Client struct {
	host       string
	signer     *signature.Builder
	httpClient HTTPDoer
	observer   Observer
	logger     zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		c.httpClient = doer
	}
}

// WithTimeout sets the timeout of the default transport.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithObserver installs a request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a Client. An empty host selects DefaultHost.
func NewClient(host string, signer *signature.Builder, logger zerolog.Logger, opts ...Option) *Client {
	if host == "" {
		host = DefaultHost
	}
	c := &Client{
		host:       strings.TrimRight(host, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do signs and sends a request and returns the raw response body. For GET the
// query parameters are the signed payload; otherwise the JSON body is.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body any) (respBody []byte, err error) {
	var (
		sig     signature.Signature
		reader  io.Reader
		target  = c.host + path
		payload signature.Value
	)

	if method == http.MethodGet {
		obj := make(signature.Object, len(query))
		values := url.Values{}
		for k, v := range query {
			obj[k] = signature.String(v)
			values.Set(k, v)
		}
		payload = obj
		if len(values) > 0 {
			target += "?" + encodeQuery(values)
		}
	} else {
		payload, err = signature.FromAny(body)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	sig, err = c.signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header[HeaderAccessKey] = []string{sig.AccessKey}
	req.Header[HeaderTimestamp] = []string{sig.Timestamp}
	req.Header[HeaderNonce] = []string{sig.Nonce}
	req.Header[HeaderSign] = []string{sig.Sign}
	if method != http.MethodGet {
		req.Header.Set(HeaderContentType, jsonContentType)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Str("nonce", sig.Nonce).Msg("Sending signed request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s %s: %w", method, path, err)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Received response")

	if resp.StatusCode >= http.StatusBadRequest && !json.Valid(respBody) {
		return nil, apierrors.NewProtocolViolation("%s %s returned HTTP %d with a non-JSON body", method, path, resp.StatusCode)
	}
	return respBody, nil
}

// call performs a request and decodes its envelope, reporting the outcome to
// the observer.
func call[T any](ctx context.Context, c *Client, method, path string, query map[string]string, body any, success *gojsonschema.Schema) (env envelope[T], err error) {
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(method, path, err)
		}
	}()

	raw, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return env, err
	}
	env, err = decodeEnvelope[T](raw, success)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("Request failed")
	}
	return env, err
}

// encodeQuery encodes values with keys in sorted order so URLs are stable.
func encodeQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(values.Get(k)))
	}
	return strings.Join(parts, "&")
}
