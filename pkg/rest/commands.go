package rest

import (
	"context"
	"net/http"

	"github.com/benmeehan/ecoflow-go/pkg/devices"
	"github.com/goccy/go-json"
)

// CommandAck is the vendor's acknowledgement of a set command.
type CommandAck struct {
	Code            string
	Message         string
	EagleEyeTraceID string
	TID             string
}

// GetDeviceQuota reads every quota of one device. Values are left raw since
// their shapes depend on the device family.
func (c *Client) GetDeviceQuota(ctx context.Context, sn string) (map[string]json.RawMessage, error) {
	env, err := call[map[string]json.RawMessage](ctx, c, http.MethodGet, DeviceQuotaAll, map[string]string{"sn": sn}, nil, quotaReply)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// SetCommand sends a validated set command over REST.
func (c *Client) SetCommand(ctx context.Context, cmd devices.SetCommand) (CommandAck, error) {
	if err := cmd.Validate(); err != nil {
		return CommandAck{}, err
	}

	env, err := call[json.RawMessage](ctx, c, http.MethodPut, DeviceQuotaPath, nil, cmd, commandAckReply)
	if err != nil {
		return CommandAck{}, err
	}

	c.logger.Info().Str("sn", cmd.SN).Str("cmdCode", cmd.CmdCode).Str("tid", env.TID).Msg("Set command accepted")
	return CommandAck{
		Code:            env.Code,
		Message:         env.Message,
		EagleEyeTraceID: env.EagleEyeTraceID,
		TID:             env.TID,
	}, nil
}

// GetCommand reads selected quotas of one device.
func (c *Client) GetCommand(ctx context.Context, cmd devices.GetCommand) (map[string]json.RawMessage, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	env, err := call[map[string]json.RawMessage](ctx, c, http.MethodPost, DeviceQuotaPath, nil, cmd, quotaReply)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}
