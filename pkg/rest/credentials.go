package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
)

// BrokerCredential is what the certification endpoint hands out for the
// MQTT broker. Account is also the first segment of every topic.
type BrokerCredential struct {
	Account   string
	Password  string
	Host      string
	Transport string
	Port      uint16
}

// String hides the password.
func (c BrokerCredential) String() string {
	return fmt.Sprintf("%s@%s://%s:%d", c.Account, c.Transport, c.Host, c.Port)
}

type certificationData struct {
	CertificateAccount  string `json:"certificateAccount"`
	CertificatePassword string `json:"certificatePassword"`
	URL                 string `json:"url"`
	Port                string `json:"port"`
	Protocol            string `json:"protocol"`
}

// RequestCertification fetches broker credentials for the access key.
func (c *Client) RequestCertification(ctx context.Context) (BrokerCredential, error) {
	env, err := call[certificationData](ctx, c, http.MethodGet, CertificationPath, nil, nil, certificationReply)
	if err != nil {
		return BrokerCredential{}, err
	}

	port, err := strconv.ParseUint(env.Data.Port, 10, 16)
	if err != nil || port == 0 {
		return BrokerCredential{}, apierrors.NewProtocolViolation("certification port %q is not a valid port", env.Data.Port)
	}
	if env.Data.URL == "" || env.Data.CertificateAccount == "" {
		return BrokerCredential{}, apierrors.NewProtocolViolation("certification is missing the broker host or account")
	}

	cred := BrokerCredential{
		Account:   env.Data.CertificateAccount,
		Password:  env.Data.CertificatePassword,
		Host:      env.Data.URL,
		Transport: env.Data.Protocol,
		Port:      uint16(port),
	}
	c.logger.Info().Str("broker", cred.String()).Msg("Obtained broker credentials")
	return cred, nil
}

// DeviceSummary is one entry of the device list.
type DeviceSummary struct {
	SN          string `json:"sn"`
	Online      int    `json:"online"`
	DeviceName  string `json:"deviceName,omitempty"`
	ProductName string `json:"productName,omitempty"`
}

// IsOnline reports the online flag.
func (d DeviceSummary) IsOnline() bool {
	return d.Online == 1
}

// GetDeviceList lists the devices bound to the account.
func (c *Client) GetDeviceList(ctx context.Context) ([]DeviceSummary, error) {
	env, err := call[[]DeviceSummary](ctx, c, http.MethodGet, DeviceListPath, nil, nil, deviceListReply)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// GetSerialNumbers returns the serial numbers of every bound device, in the
// order the API lists them.
func (c *Client) GetSerialNumbers(ctx context.Context) ([]string, error) {
	list, err := c.GetDeviceList(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(list))
	for _, d := range list {
		serials = append(serials, d.SN)
	}
	return serials, nil
}
