package rest_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/benmeehan/ecoflow-go/pkg/devices"
	"github.com/benmeehan/ecoflow-go/pkg/ecoflowtest"
	"github.com/benmeehan/ecoflow-go/pkg/rest"
	"github.com/benmeehan/ecoflow-go/pkg/signature"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "Fp4SvIprYSDPXtYJidEtUAd1o"
	testSecretKey = "WIbFEKre0s6sLnh4ei7SPUeYnptHG6V"
)

func newClient(t *testing.T, opts ...rest.Option) (*rest.Client, *ecoflowtest.Server) {
	t.Helper()
	server := ecoflowtest.New(t, testAccessKey, testSecretKey)
	client := rest.NewClient(server.URL, signature.NewBuilder(testAccessKey, testSecretKey), zerolog.Nop(), opts...)
	return client, server
}

// TestRequestCertification_Success tests that the credential is decoded and the port parsed.
func TestRequestCertification_Success(t *testing.T) {
	client, server := newClient(t)

	cred, err := client.RequestCertification(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "open-test-account", cred.Account)
	assert.Equal(t, "test-password", cred.Password)
	assert.Equal(t, "mqtt-e.ecoflow.com", cred.Host)
	assert.Equal(t, "mqtts", cred.Transport)
	assert.Equal(t, uint16(8883), cred.Port)
	assert.NotContains(t, cred.String(), "test-password")

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, testAccessKey, reqs[0].Headers.Get("accessKey"))
	assert.NotEmpty(t, reqs[0].Headers.Get("nonce"))
	assert.NotEmpty(t, reqs[0].Headers.Get("timestamp"))
	assert.Len(t, reqs[0].Headers.Get("sign"), 64)
	assert.Empty(t, reqs[0].Headers.Get("Content-Type"))
}

// TestRequestCertification_InvalidPort tests that unparsable or out-of-range ports are protocol violations.
func TestRequestCertification_InvalidPort(t *testing.T) {
	for _, port := range []string{"abc", "70000", "0", "-1"} {
		t.Run(port, func(t *testing.T) {
			client, server := newClient(t)
			server.SetCredential(ecoflowtest.Credential{
				Account: "acc", Password: "pw", Host: "broker", Port: port, Protocol: "mqtts",
			})

			_, err := client.RequestCertification(context.Background())

			assert.ErrorIs(t, err, apierrors.ErrProtocolViolation)
		})
	}
}

// TestRequestCertification_UnknownProtocol tests that a non-mqtts transport is rejected.
func TestRequestCertification_UnknownProtocol(t *testing.T) {
	client, server := newClient(t)
	server.SetCredential(ecoflowtest.Credential{
		Account: "acc", Password: "pw", Host: "broker", Port: "8883", Protocol: "mqtt",
	})

	_, err := client.RequestCertification(context.Background())

	assert.ErrorIs(t, err, apierrors.ErrProtocolViolation)
}

// TestRequestCertification_RemoteRejection tests that an error envelope surfaces code and message verbatim.
func TestRequestCertification_RemoteRejection(t *testing.T) {
	client, server := newClient(t)
	server.Reject(rest.CertificationPath, "8521", "signature is wrong")

	_, err := client.RequestCertification(context.Background())

	var rejection *apierrors.RemoteRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "8521", rejection.Code)
	assert.Equal(t, "signature is wrong", rejection.Message)
	assert.Equal(t, "code: 8521 | message: signature is wrong", err.Error())
}

// TestRequestCertification_WrongSecret tests that the fake verifies signatures.
func TestRequestCertification_WrongSecret(t *testing.T) {
	server := ecoflowtest.New(t, testAccessKey, testSecretKey)
	client := rest.NewClient(server.URL, signature.NewBuilder(testAccessKey, "not-the-secret"), zerolog.Nop())

	_, err := client.RequestCertification(context.Background())

	var rejection *apierrors.RemoteRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ecoflowtest.CodeSignatureInvalid, rejection.Code)
}

// TestRequestCertification_MalformedEnvelopes tests responses that are neither success nor error.
func TestRequestCertification_MalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>bad gateway</html>"},
		{name: "success without data", body: `{"code":"0","message":"Success"}`},
		{name: "non numeric code", body: `{"code":"abc","message":"x"}`},
		{name: "zero padded code", body: `{"code":"012","message":"x"}`},
		{name: "numeric code type", body: `{"code":8521,"message":"x"}`},
		{name: "missing message", body: `{"code":"8521"}`},
		{name: "array", body: `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newClient(t)
			server.RespondRaw(rest.CertificationPath, tt.body)

			_, err := client.RequestCertification(context.Background())

			assert.ErrorIs(t, err, apierrors.ErrProtocolViolation)
			var rejection *apierrors.RemoteRejection
			assert.False(t, errors.As(err, &rejection))
		})
	}
}

// TestGetDeviceList tests listing devices and their serial numbers.
func TestGetDeviceList(t *testing.T) {
	client, server := newClient(t)
	server.AddDevice(ecoflowtest.Device{SN: "HW52ZDH4SF7B0123", Online: 1, DeviceName: "Desk", ProductName: "Smart Plug"})
	server.AddDevice(ecoflowtest.Device{SN: "HW51ZEH49G9A0456", Online: 0})

	list, err := client.GetDeviceList(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].IsOnline())
	assert.Equal(t, "Desk", list[0].DeviceName)
	assert.False(t, list[1].IsOnline())

	serials, err := client.GetSerialNumbers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"HW52ZDH4SF7B0123", "HW51ZEH49G9A0456"}, serials)
}

// TestGetDeviceList_Empty tests an account without devices.
func TestGetDeviceList_Empty(t *testing.T) {
	client, _ := newClient(t)

	serials, err := client.GetSerialNumbers(context.Background())

	require.NoError(t, err)
	assert.Empty(t, serials)
}

// TestGetDeviceQuota tests that the serial number is signed as a query parameter.
func TestGetDeviceQuota(t *testing.T) {
	client, server := newClient(t)
	server.SetQuota("HW52ZDH4SF7B0123", map[string]any{"2_1.switchSta": true, "2_1.watts": 125})

	quotas, err := client.GetDeviceQuota(context.Background(), "HW52ZDH4SF7B0123")

	require.NoError(t, err)
	assert.JSONEq(t, "true", string(quotas["2_1.switchSta"]))
	assert.JSONEq(t, "125", string(quotas["2_1.watts"]))

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, signature.Object{"sn": signature.String("HW52ZDH4SF7B0123")}, reqs[0].Payload)
}

// TestGetDeviceQuota_UnknownDevice tests the vendor rejection for a foreign serial number.
func TestGetDeviceQuota_UnknownDevice(t *testing.T) {
	client, _ := newClient(t)

	_, err := client.GetDeviceQuota(context.Background(), "HW52NOPE")

	var rejection *apierrors.RemoteRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ecoflowtest.CodeDeviceNotFound, rejection.Code)
}

// TestSetCommand tests a signed PUT with a JSON body.
func TestSetCommand(t *testing.T) {
	client, server := newClient(t)
	cmd, err := devices.SmartPlugSwitch("HW52ZDH4SF7B0123", false)
	require.NoError(t, err)

	ack, err := client.SetCommand(context.Background(), cmd)

	require.NoError(t, err)
	assert.Equal(t, "0", ack.Code)
	assert.Equal(t, "tid-1", ack.TID)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "application/json;charset=UTF-8", reqs[0].Headers.Get("Content-Type"))
	canonical, err := signature.CanonicalString(reqs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "cmdCode=WN511_SOCKET_SET_PLUG_SWITCH_MESSAGE&params.plugSwitch=0&sn=HW52ZDH4SF7B0123", canonical)
}

// TestSetCommand_Invalid tests that invalid commands never reach the network.
func TestSetCommand_Invalid(t *testing.T) {
	client, server := newClient(t)

	_, err := client.SetCommand(context.Background(), devices.SetCommand{SN: "HW52X", CmdCode: "NOPE"})

	assert.ErrorIs(t, err, apierrors.ErrInvalidCommand)
	assert.Empty(t, server.Requests())
}

// TestGetCommand tests reading selected quotas with a signed POST.
func TestGetCommand(t *testing.T) {
	client, server := newClient(t)
	server.SetQuota("HW52ZDH4SF7B0123", map[string]any{"2_1.switchSta": false, "2_1.brightness": 512})
	cmd, err := devices.NewGetCommand("HW52ZDH4SF7B0123", devices.QuotaSmartPlugBrightness)
	require.NoError(t, err)

	quotas, err := client.GetCommand(context.Background(), cmd)

	require.NoError(t, err)
	assert.Len(t, quotas, 1)
	assert.JSONEq(t, "512", string(quotas[devices.QuotaSmartPlugBrightness]))
	assert.Equal(t, http.MethodPost, server.Requests()[0].Method)
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

// TestClient_TransportError tests that transport failures are wrapped, not classified.
func TestClient_TransportError(t *testing.T) {
	client := rest.NewClient("http://127.0.0.1:1", signature.NewBuilder("ak", "sk"), zerolog.Nop(), rest.WithHTTPClient(failingDoer{}))

	_, err := client.RequestCertification(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotErrorIs(t, err, apierrors.ErrProtocolViolation)
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (o *recordingObserver) ObserveRequest(method, path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, method+" "+path)
	o.errs = append(o.errs, err)
}

// TestClient_Observer tests that every request is reported with its outcome.
func TestClient_Observer(t *testing.T) {
	observer := &recordingObserver{}
	client, server := newClient(t, rest.WithObserver(observer))
	server.Reject(rest.DeviceListPath, "1", "denied")

	_, err := client.RequestCertification(context.Background())
	require.NoError(t, err)
	_, err = client.GetDeviceList(context.Background())
	require.Error(t, err)

	assert.Equal(t, []string{"GET " + rest.CertificationPath, "GET " + rest.DeviceListPath}, observer.calls)
	assert.NoError(t, observer.errs[0])
	var rejection *apierrors.RemoteRejection
	assert.True(t, errors.As(observer.errs[1], &rejection))
}
