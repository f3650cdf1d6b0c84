// Package devices models the device families the SDK knows about. Each family
// is identified by its serial-number prefix and has a closed table of set
// commands. Nothing here takes part in signing or dispatch.
package devices

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
)

// DeviceType is a device family.
type DeviceType string

const (
	Unknown     DeviceType = "unknown"
	SmartPlug   DeviceType = "smart_plug"
	PowerStream DeviceType = "power_stream"
)

const (
	smartPlugPrefix   = "HW52"
	powerStreamPrefix = "HW51"
)

// TypeOf resolves the device family from a serial number.
func TypeOf(sn string) DeviceType {
	switch {
	case strings.HasPrefix(sn, smartPlugPrefix):
		return SmartPlug
	case strings.HasPrefix(sn, powerStreamPrefix):
		return PowerStream
	default:
		return Unknown
	}
}

// Smart plug command codes.
const (
	CmdSmartPlugSwitch     = "WN511_SOCKET_SET_PLUG_SWITCH_MESSAGE"
	CmdSmartPlugBrightness = "WN511_SOCKET_SET_BRIGHTNESS_PACK"
	CmdSmartPlugDeleteTask = "WN511_SOCKET_DELETE_TIME_TASK"
)

// PowerStream command codes.
const (
	CmdPowerStreamSupplyPriority = "WN511_SET_SUPPLY_PRIORITY_PACK"
	CmdPowerStreamPermanentWatts = "WN511_SET_PERMANENT_WATTS_PACK"
	CmdPowerStreamBatteryLower   = "WN511_SET_BAT_LOWER_PACK"
	CmdPowerStreamBatteryUpper   = "WN511_SET_BAT_UPPER_PACK"
	CmdPowerStreamBrightness     = "WN511_SET_BRIGHTNESS_PACK"
	CmdPowerStreamDeleteTask     = "WN511_DELETE_TIME_TASK"
)

type paramRange struct {
	device   DeviceType
	param    string
	min, max int
}

// commandTable lists every set command the SDK will send. Each command carries
// exactly one integer parameter.
var commandTable = map[string]paramRange{
	CmdSmartPlugSwitch:     {SmartPlug, "plugSwitch", 0, 1},
	CmdSmartPlugBrightness: {SmartPlug, "brightness", 0, 1023},
	CmdSmartPlugDeleteTask: {SmartPlug, "taskIndex", 0, 9},

	CmdPowerStreamSupplyPriority: {PowerStream, "supplyPriority", 0, 1},
	CmdPowerStreamPermanentWatts: {PowerStream, "permanentWatts", 0, 600},
	CmdPowerStreamBatteryLower:   {PowerStream, "lowerLimit", 1, 30},
	CmdPowerStreamBatteryUpper:   {PowerStream, "upperLimit", 70, 100},
	CmdPowerStreamBrightness:     {PowerStream, "brightness", 0, 1023},
	CmdPowerStreamDeleteTask:     {PowerStream, "taskIndex", 0, 10},
}

// SetCommand is the body of a REST set command.
type SetCommand struct {
	SN      string         `json:"sn"`
	CmdCode string         `json:"cmdCode"`
	Params  map[string]int `json:"params"`
}

// Validate checks the command against the command table.
func (c SetCommand) Validate() error {
	spec, ok := commandTable[c.CmdCode]
	if !ok {
		return fmt.Errorf("%w: unknown cmdCode %q", apierrors.ErrInvalidCommand, c.CmdCode)
	}
	if got := TypeOf(c.SN); got != spec.device {
		return fmt.Errorf("%w: %s is a %s command but %q is a %s", apierrors.ErrInvalidCommand, c.CmdCode, spec.device, c.SN, got)
	}
	if len(c.Params) != 1 {
		return fmt.Errorf("%w: %s takes exactly one parameter (%s)", apierrors.ErrInvalidCommand, c.CmdCode, spec.param)
	}
	value, ok := c.Params[spec.param]
	if !ok {
		return fmt.Errorf("%w: %s requires parameter %s", apierrors.ErrInvalidCommand, c.CmdCode, spec.param)
	}
	if value < spec.min || value > spec.max {
		return fmt.Errorf("%w: %s=%d outside [%d, %d]", apierrors.ErrInvalidCommand, spec.param, value, spec.min, spec.max)
	}
	return nil
}

// NewSetCommand builds and validates a command from the command table.
func NewSetCommand(sn, cmdCode string, value int) (SetCommand, error) {
	cmd := SetCommand{SN: sn, CmdCode: cmdCode, Params: map[string]int{commandTable[cmdCode].param: value}}
	if err := cmd.Validate(); err != nil {
		return SetCommand{}, err
	}
	return cmd, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SmartPlugSwitch turns a smart plug on or off.
func SmartPlugSwitch(sn string, on bool) (SetCommand, error) {
	return NewSetCommand(sn, CmdSmartPlugSwitch, boolToInt(on))
}

// SmartPlugBrightness sets the LED brightness (0-1023).
func SmartPlugBrightness(sn string, brightness int) (SetCommand, error) {
	return NewSetCommand(sn, CmdSmartPlugBrightness, brightness)
}

// SmartPlugDeleteTask removes a scheduled task (0-9).
func SmartPlugDeleteTask(sn string, taskIndex int) (SetCommand, error) {
	return NewSetCommand(sn, CmdSmartPlugDeleteTask, taskIndex)
}

// PowerStreamSupplyPriority selects power supply (0) or power storage (1) priority.
func PowerStreamSupplyPriority(sn string, storageFirst bool) (SetCommand, error) {
	return NewSetCommand(sn, CmdPowerStreamSupplyPriority, boolToInt(storageFirst))
}

// PowerStreamPermanentWatts sets the custom load power.
func PowerStreamPermanentWatts(sn string, watts int) (SetCommand, error) {
	return NewSetCommand(sn, CmdPowerStreamPermanentWatts, watts)
}

// PowerStreamBatteryLower sets the discharge lower limit (1-30).
func PowerStreamBatteryLower(sn string, limit int) (SetCommand, error) {
	return NewSetCommand(sn, CmdPowerStreamBatteryLower, limit)
}

// PowerStreamBatteryUpper sets the charge upper limit (70-100).
func PowerStreamBatteryUpper(sn string, limit int) (SetCommand, error) {
	return NewSetCommand(sn, CmdPowerStreamBatteryUpper, limit)
}

// PowerStreamBrightness sets the indicator brightness (0-1023).
func PowerStreamBrightness(sn string, brightness int) (SetCommand, error) {
	return NewSetCommand(sn, CmdPowerStreamBrightness, brightness)
}

// PowerStreamDeleteTask removes a scheduled task (0-10).
func PowerStreamDeleteTask(sn string, taskIndex int) (SetCommand, error) {
	return NewSetCommand(sn, CmdPowerStreamDeleteTask, taskIndex)
}

// Smart plug quota names accepted by GetCommand.
const (
	QuotaSmartPlugSwitch     = "2_1.switchSta"
	QuotaSmartPlugBrightness = "2_1.brightness"
)

var smartPlugTaskQuota = regexp.MustCompile(`^2_2\.task[0-9]$`)

// GetCommandParams lists the quotas to read.
type GetCommandParams struct {
	Quotas []string `json:"quotas"`
}

// GetCommand is the body of a REST get command.
type GetCommand struct {
	SN     string           `json:"sn"`
	Params GetCommandParams `json:"params"`
}

// NewGetCommand builds a get command for the given quotas.
func NewGetCommand(sn string, quotas ...string) (GetCommand, error) {
	cmd := GetCommand{SN: sn, Params: GetCommandParams{Quotas: quotas}}
	if err := cmd.Validate(); err != nil {
		return GetCommand{}, err
	}
	return cmd, nil
}

// Validate checks quota names for device families whose quotas are known.
func (c GetCommand) Validate() error {
	if c.SN == "" {
		return fmt.Errorf("%w: missing serial number", apierrors.ErrInvalidCommand)
	}
	if len(c.Params.Quotas) == 0 {
		return fmt.Errorf("%w: no quotas requested", apierrors.ErrInvalidCommand)
	}
	if TypeOf(c.SN) != SmartPlug {
		return nil
	}
	for _, q := range c.Params.Quotas {
		if q != QuotaSmartPlugSwitch && q != QuotaSmartPlugBrightness && !smartPlugTaskQuota.MatchString(q) {
			return fmt.Errorf("%w: unknown smart plug quota %q", apierrors.ErrInvalidCommand, q)
		}
	}
	return nil
}
