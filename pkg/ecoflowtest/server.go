// Package ecoflowtest runs an in-process fake of the vendor REST API. It
// checks request signatures the way the real service does, so clients can be
// tested end to end without network access.
package ecoflowtest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/benmeehan/ecoflow-go/pkg/signature"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Rejection codes returned by the fake.
const (
	CodeAccessKeyInvalid = "8513"
	CodeSignatureInvalid = "8521"
	CodeNonceReused      = "8522"
	CodeDeviceNotFound   = "1006"
)

// Device is one device known to the fake.
type Device struct {
	SN          string `json:"sn"`
	Online      int    `json:"online"`
	DeviceName  string `json:"deviceName,omitempty"`
	ProductName string `json:"productName,omitempty"`
}

// Credential is returned by the certification endpoint.
type Credential struct {
	Account  string
	Password string
	Host     string
	Port     string
	Protocol string
}

// Request is a request that passed signature checks.
type Request struct {
	Method  string
	Path    string
	Payload signature.Value
	Headers http.Header
}

type canned struct {
	code    string
	message string
	raw     string
}

// Server is the fake API. The zero value is not usable; use New.
type Server struct {
	*httptest.Server

	accessKey string
	secretKey string

	mu         sync.Mutex
	credential Credential
	devices    []Device
	quotas     map[string]map[string]any
	overrides  map[string]canned
	nonces     map[string]struct{}
	requests   []Request
}

// New starts a fake bound to one access key pair. It is closed when the test ends.
func New(t testing.TB, accessKey, secretKey string) *Server {
	s := &Server{
		accessKey: accessKey,
		secretKey: secretKey,
		credential: Credential{
			Account:  "open-test-account",
			Password: "test-password",
			Host:     "mqtt-e.ecoflow.com",
			Port:     "8883",
			Protocol: "mqtts",
		},
		quotas:    make(map[string]map[string]any),
		overrides: make(map[string]canned),
		nonces:    make(map[string]struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/iot-open/sign/certification", s.signed(s.handleCertification)).Methods(http.MethodGet)
	router.HandleFunc("/iot-open/sign/device/list", s.signed(s.handleDeviceList)).Methods(http.MethodGet)
	router.HandleFunc("/iot-open/sign/device/quota/all", s.signed(s.handleQuotaAll)).Methods(http.MethodGet)
	router.HandleFunc("/iot-open/sign/device/quota", s.signed(s.handleSet)).Methods(http.MethodPut)
	router.HandleFunc("/iot-open/sign/device/quota", s.signed(s.handleGet)).Methods(http.MethodPost)

	s.Server = httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

// SetCredential replaces the broker credential handed out by certification.
func (s *Server) SetCredential(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credential = c
}

// AddDevice binds a device to the account.
func (s *Server) AddDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, d)
}

// SetQuota stores the quota map of a device.
func (s *Server) SetQuota(sn string, quotas map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[sn] = quotas
}

// Reject makes every request to path fail with an error envelope.
func (s *Server) Reject(path, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[path] = canned{code: code, message: message}
}

// RespondRaw makes every request to path return body verbatim.
func (s *Server) RespondRaw(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[path] = canned{raw: body}
}

// Requests returns the requests that passed signature checks.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// signed wraps a handler with access key, nonce and signature checks.
func (s *Server) signed(next func(w http.ResponseWriter, r *http.Request, payload signature.Value)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := requestPayload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "400", err.Error())
			return
		}

		sig := signature.Signature{
			AccessKey: r.Header.Get("accessKey"),
			Timestamp: r.Header.Get("timestamp"),
			Nonce:     r.Header.Get("nonce"),
			Sign:      r.Header.Get("sign"),
		}
		if sig.AccessKey != s.accessKey {
			writeError(w, http.StatusOK, CodeAccessKeyInvalid, "accessKey is invalid")
			return
		}
		ok, err := signature.Verify(s.secretKey, payload, sig)
		if err != nil || !ok {
			writeError(w, http.StatusOK, CodeSignatureInvalid, "signature is wrong")
			return
		}

		s.mu.Lock()
		if _, seen := s.nonces[sig.Nonce]; seen {
			s.mu.Unlock()
			writeError(w, http.StatusOK, CodeNonceReused, "nonce already used")
			return
		}
		s.nonces[sig.Nonce] = struct{}{}
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Payload: payload, Headers: r.Header.Clone()})
		override, hasOverride := s.overrides[r.URL.Path]
		s.mu.Unlock()

		if hasOverride {
			if override.raw != "" {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, override.raw)
				return
			}
			writeError(w, http.StatusOK, override.code, override.message)
			return
		}

		next(w, r, payload)
	}
}

func requestPayload(r *http.Request) (signature.Value, error) {
	if r.Method == http.MethodGet {
		obj := signature.Object{}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				obj[k] = signature.String(v[0])
			}
		}
		return obj, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return signature.Parse(body)
}

func (s *Server) handleCertification(w http.ResponseWriter, _ *http.Request, _ signature.Value) {
	s.mu.Lock()
	c := s.credential
	s.mu.Unlock()

	writeSuccess(w, map[string]string{
		"certificateAccount":  c.Account,
		"certificatePassword": c.Password,
		"url":                 c.Host,
		"port":                c.Port,
		"protocol":            c.Protocol,
	})
}

func (s *Server) handleDeviceList(w http.ResponseWriter, _ *http.Request, _ signature.Value) {
	s.mu.Lock()
	list := make([]Device, len(s.devices))
	copy(list, s.devices)
	s.mu.Unlock()

	writeSuccess(w, list)
}

func (s *Server) handleQuotaAll(w http.ResponseWriter, r *http.Request, _ signature.Value) {
	sn := r.URL.Query().Get("sn")

	s.mu.Lock()
	quotas, ok := s.quotas[sn]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusOK, CodeDeviceNotFound, "device not found")
		return
	}
	writeSuccess(w, quotas)
}

func (s *Server) handleSet(w http.ResponseWriter, _ *http.Request, payload signature.Value) {
	obj, _ := payload.(signature.Object)
	if _, ok := obj["sn"]; !ok {
		writeError(w, http.StatusOK, "1001", "sn is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":            "0",
		"message":         "Success",
		"eagleEyeTraceId": "ea12345",
		"tid":             "tid-1",
	})
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request, payload signature.Value) {
	obj, _ := payload.(signature.Object)
	sn, _ := obj["sn"].(signature.String)

	s.mu.Lock()
	quotas, ok := s.quotas[string(sn)]
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusOK, CodeDeviceNotFound, "device not found")
		return
	}

	requested := map[string]any{}
	if params, ok := obj["params"].(signature.Object); ok {
		if names, ok := params["quotas"].(signature.Array); ok {
			for _, n := range names {
				name, _ := n.(signature.String)
				if v, found := quotas[string(name)]; found {
					requested[string(name)] = v
				}
			}
		}
	}
	writeSuccess(w, requested)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"code":            "0",
		"message":         "Success",
		"data":            data,
		"eagleEyeTraceId": "ea12345",
		"tid":             "tid-1",
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
