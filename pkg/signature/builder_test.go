package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// TestCanonicalString covers the documented vendor examples.
func TestCanonicalString(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{name: "empty object", payload: `{}`, expected: ""},
		{name: "simple with null", payload: `{"val1": "bar", "val2": null}`, expected: "val1=bar&val2=null"},
		{
			name:     "sorted nested",
			payload:  `{"name": "demo1", "ids": [1, 2, 3], "deviceInfo": {"id": 1}, "deviceList": [{"id": 1}, {"id": 2}]}`,
			expected: "deviceInfo.id=1&deviceList[0].id=1&deviceList[1].id=2&ids[0]=1&ids[1]=2&ids[2]=3&name=demo1",
		},
		{name: "byte-wise order", payload: `{"b": 1, "B": 2, "a_": 3, "a": 4}`, expected: "B=2&a=4&a_=3&b=1"},
		{name: "booleans", payload: `{"on": true, "off": false}`, expected: "off=false&on=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalString(mustParse(t, tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// TestCanonicalString_NilPayload tests that a missing payload signs as empty.
func TestCanonicalString_NilPayload(t *testing.T) {
	got, err := CanonicalString(nil)
	assert.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = CanonicalString(Null{})
	assert.NoError(t, err)
	assert.Equal(t, "", got)
}

// TestSigningString tests the identity suffix with and without a canonical prefix.
func TestSigningString(t *testing.T) {
	assert.Equal(t, "accessKey=ak&nonce=n&timestamp=1", SigningString("", "ak", "n", "1"))
	assert.Equal(t, "sn=HW52&accessKey=ak&nonce=n&timestamp=1", SigningString("sn=HW52", "ak", "n", "1"))
}

// TestBuilder_SignWith_IsPure tests that identical inputs give identical digests.
func TestBuilder_SignWith_IsPure(t *testing.T) {
	b := NewBuilder("Fp4SvIprYSDPXtYJidEtUAd1o", "WIbFEKre0s6sLnh4ei7SPUeYnptHG6V")
	payload := mustParse(t, `{"sn": "HW52ZDH4SF7B0123"}`)

	first, err := b.SignWith(payload, "345164", "1671171709428")
	require.NoError(t, err)
	second, err := b.SignWith(payload, "345164", "1671171709428")
	require.NoError(t, err)

	assert.Equal(t, first, second)

	mac := hmac.New(sha256.New, []byte("WIbFEKre0s6sLnh4ei7SPUeYnptHG6V"))
	mac.Write([]byte("sn=HW52ZDH4SF7B0123&accessKey=Fp4SvIprYSDPXtYJidEtUAd1o&nonce=345164&timestamp=1671171709428"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), first.Sign)
	assert.Equal(t, "Fp4SvIprYSDPXtYJidEtUAd1o", first.AccessKey)
}

// TestBuilder_Sign_FreshNoncePerCall tests that repeated signing never reuses a nonce.
func TestBuilder_Sign_FreshNoncePerCall(t *testing.T) {
	b := NewBuilder("ak", "sk")
	payload := mustParse(t, `{"sn": "HW51"}`)

	first, err := b.Sign(payload)
	require.NoError(t, err)
	second, err := b.Sign(payload)
	require.NoError(t, err)

	assert.Regexp(t, uuidV4, first.Nonce)
	assert.Regexp(t, uuidV4, second.Nonce)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Sign, second.Sign)
}

// TestBuilder_Sign_UsesClock tests the millisecond timestamp.
func TestBuilder_Sign_UsesClock(t *testing.T) {
	b := NewBuilder("ak", "sk")
	b.now = func() time.Time { return time.UnixMilli(1700000000123) }
	b.newNonce = func() string { return "fixed" }

	sig, err := b.Sign(Object{})
	require.NoError(t, err)

	assert.Equal(t, "1700000000123", sig.Timestamp)
	assert.Equal(t, "fixed", sig.Nonce)
	assert.Equal(t, hmacHex([]byte("sk"), "accessKey=ak&nonce=fixed&timestamp=1700000000123"), sig.Sign)
}

// TestBuilder_Sign_Concurrent tests concurrent signing against shared state.
func TestBuilder_Sign_Concurrent(t *testing.T) {
	b := NewBuilder("ak", "sk")
	payload := mustParse(t, `{"sn": "HW51", "params": {"quotas": ["20_1.pv1InputWatts"]}}`)

	const workers = 32
	nonces := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := b.Sign(payload)
			assert.NoError(t, err)
			nonces <- sig.Nonce
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[string]struct{})
	for n := range nonces {
		seen[n] = struct{}{}
	}
	assert.Len(t, seen, workers)
}

// TestBuilder_SignAny_Invalid tests that unsignable payloads fail before hashing.
func TestBuilder_SignAny_Invalid(t *testing.T) {
	b := NewBuilder("ak", "sk")

	_, err := b.SignAny(map[string]any{"cb": func() {}})

	assert.True(t, errors.Is(err, apierrors.ErrSigningInputInvalid))
}

// TestBuilder_SignJSON_MatchesSignAny tests that body and value signing agree.
func TestBuilder_SignJSON_MatchesSignAny(t *testing.T) {
	b := NewBuilder("ak", "sk")
	b.newNonce = func() string { return "n" }
	b.now = func() time.Time { return time.UnixMilli(42) }

	fromBody, err := b.SignJSON([]byte(`{"sn":"HW52","params":{"plugSwitch":0}}`))
	require.NoError(t, err)
	fromValue, err := b.SignAny(map[string]any{"sn": "HW52", "params": map[string]int{"plugSwitch": 0}})
	require.NoError(t, err)

	assert.Equal(t, fromBody, fromValue)
}

// TestNumberText tests that every spelling of a number signs the same way.
func TestNumberText(t *testing.T) {
	tests := map[string]string{
		"1.0":                  "1",
		"1e2":                  "100",
		"1E+2":                 "100",
		"-2.50":                "-2.5",
		"0.5":                  "0.5",
		"1e-7":                 "1e-7",
		"0.000001":             "0.000001",
		"1.5e-10":              "1.5e-10",
		"1e21":                 "1e+21",
		"123e18":               "123000000000000000000",
		"-0":                   "0",
		"-0.0":                 "0",
		"42":                   "42",
		"12345678901234567890": "12345678901234567890",
		"1e400":                "1e400",
	}
	for lit, want := range tests {
		assert.Equal(t, want, numberText(lit), lit)
	}
}

// TestBuilder_SignJSON_NumberSpellings tests that literal and Go-valued
// numbers produce the same signature.
func TestBuilder_SignJSON_NumberSpellings(t *testing.T) {
	b := NewBuilder("ak", "sk")
	b.newNonce = func() string { return "n" }
	b.now = func() time.Time { return time.UnixMilli(42) }

	fromBody, err := b.SignJSON([]byte(`{"x":1e-7,"y":1.0,"z":1e2}`))
	require.NoError(t, err)
	fromValue, err := b.SignAny(map[string]any{"x": 1e-7, "y": 1.0, "z": 100})
	require.NoError(t, err)
	assert.Equal(t, fromBody, fromValue)

	canonical, err := CanonicalString(mustParse(t, `{"x":1e-7,"y":1.0,"z":1e2}`))
	require.NoError(t, err)
	assert.Equal(t, "x=1e-7&y=1&z=100", canonical)
}

// TestVerify tests server-side verification, including tampering.
func TestVerify(t *testing.T) {
	b := NewBuilder("ak", "sk")
	payload := mustParse(t, `{"sn": "HW52"}`)

	sig, err := b.Sign(payload)
	require.NoError(t, err)

	ok, err := Verify("sk", payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify("sk", mustParse(t, `{"sn": "HW51"}`), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify("other", payload, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestBuilder_String tests that the secret never shows up in formatted output.
func TestBuilder_String(t *testing.T) {
	b := NewBuilder("ak", "super-secret")

	assert.NotContains(t, b.String(), "super-secret")
}
