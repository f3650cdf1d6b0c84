package devices

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/goccy/go-json"
)

// TaskTime is a calendar point inside a scheduled task.
type TaskTime struct {
	Sec   int `json:"sec"`
	Min   int `json:"min"`
	Hour  int `json:"hour"`
	Week  int `json:"week"`
	Day   int `json:"day"`
	Month int `json:"month"`
	Year  int `json:"year"`
}

// TimeRange is the schedule of a task.
type TimeRange struct {
	IsConfig  bool     `json:"isConfig"`
	IsEnabled bool     `json:"isEnabled"`
	TimeData  int      `json:"timeData"`
	TimeMode  int      `json:"timeMode"`
	StartTime TaskTime `json:"startTime"`
	StopTime  TaskTime `json:"stopTime"`
}

// Task is a scheduled switching task stored on a device.
type Task struct {
	TaskIndex int       `json:"taskIndex"`
	Type      int       `json:"type"`
	TimeRange TimeRange `json:"timeRange"`
}

// SmartPlugState is the decoded data of a smart plug get command.
type SmartPlugState struct {
	SwitchOn   *bool
	Brightness *int
	Tasks      map[int]Task
}

// DecodeSmartPlugState decodes the quota map returned by a smart plug get command.
func DecodeSmartPlugState(data map[string]json.RawMessage) (SmartPlugState, error) {
	state := SmartPlugState{Tasks: make(map[int]Task)}

	for key, raw := range data {
		switch {
		case key == QuotaSmartPlugSwitch:
			var on bool
			if err := json.Unmarshal(raw, &on); err != nil {
				return SmartPlugState{}, apierrors.NewProtocolViolation("%s: %v", key, err)
			}
			state.SwitchOn = &on
		case key == QuotaSmartPlugBrightness:
			var brightness int
			if err := json.Unmarshal(raw, &brightness); err != nil {
				return SmartPlugState{}, apierrors.NewProtocolViolation("%s: %v", key, err)
			}
			if brightness < 0 || brightness > 1023 {
				return SmartPlugState{}, apierrors.NewProtocolViolation("%s=%d outside [0, 1023]", key, brightness)
			}
			state.Brightness = &brightness
		case smartPlugTaskQuota.MatchString(key):
			var task Task
			if err := json.Unmarshal(raw, &task); err != nil {
				return SmartPlugState{}, apierrors.NewProtocolViolation("%s: %v", key, err)
			}
			state.Tasks[int(key[len(key)-1]-'0')] = task
		}
	}

	return state, nil
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// StatusParams carries the online flag of a status report.
type StatusParams struct {
	Status int `json:"status"`
}

// StatusReport is the payload of the status topic.
type StatusReport struct {
	ID        MessageID    `json:"id"`
	Version   string       `json:"version"`
	Timestamp int64        `json:"timestamp"`
	Params    StatusParams `json:"params"`
}

// Online reports whether the device announced itself as online.
func (s StatusReport) Online() bool {
	return s.Params.Status == 1
}

// DecodeStatusReport decodes and checks a status topic payload.
func DecodeStatusReport(payload []byte) (StatusReport, error) {
	var report StatusReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return StatusReport{}, apierrors.NewProtocolViolation("status report: %v", err)
	}
	if !digitsOnly.MatchString(string(report.ID)) {
		return StatusReport{}, apierrors.NewProtocolViolation("status report: id %q is not numeric", report.ID)
	}
	if report.Timestamp <= 0 {
		return StatusReport{}, apierrors.NewProtocolViolation("status report: timestamp %d is not positive", report.Timestamp)
	}
	if report.Params.Status != 0 && report.Params.Status != 1 {
		return StatusReport{}, apierrors.NewProtocolViolation("status report: status %d is neither 0 nor 1", report.Params.Status)
	}
	return report, nil
}

// MQTTSetMessage is published on the set topic.
type MQTTSetMessage struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	CmdCode string         `json:"cmdCode"`
	Params  map[string]int `json:"params"`
}

var messageIDSpan = big.NewInt(9_999_999_999)

// NewMessageID returns a random numeric message id of at most 10 digits, the
// format the broker accepts for set messages.
func NewMessageID() string {
	n, err := rand.Int(rand.Reader, messageIDSpan)
	if err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return strconv.FormatInt(n.Int64()+1, 10)
}

// NewMQTTSetMessage wraps a validated set command for publishing over MQTT.
func NewMQTTSetMessage(cmd SetCommand) (MQTTSetMessage, error) {
	if err := cmd.Validate(); err != nil {
		return MQTTSetMessage{}, err
	}
	return MQTTSetMessage{
		ID:      NewMessageID(),
		Version: "1.0",
		CmdCode: cmd.CmdCode,
		Params:  cmd.Params,
	}, nil
}

// Validate checks the message id format.
func (m MQTTSetMessage) Validate() error {
	if len(m.ID) == 0 || len(m.ID) > 10 || !digitsOnly.MatchString(m.ID) {
		return fmt.Errorf("%w: message id %q must be 1-10 digits", apierrors.ErrInvalidCommand, m.ID)
	}
	if m.CmdCode == "" {
		return fmt.Errorf("%w: missing cmdCode", apierrors.ErrInvalidCommand)
	}
	return nil
}

// MessageID accepts both quoted and bare numeric ids.
type MessageID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

// SetReply is the payload of the set_reply topic.
type SetReply struct {
	ID        MessageID                  `json:"id"`
	Version   string                     `json:"version"`
	Timestamp int64                      `json:"timestamp"`
	CmdCode   string                     `json:"cmdCode"`
	Data      map[string]json.RawMessage `json:"data"`
}

// Acknowledged reports whether the device answered with ack=1 or a zero code.
func (r SetReply) Acknowledged() bool {
	if raw, ok := r.Data["ack"]; ok {
		return string(raw) == "1" || string(raw) == "true"
	}
	if raw, ok := r.Data["code"]; ok {
		return string(raw) == "0" || string(raw) == `"0"`
	}
	return true
}

// DecodeSetReply decodes a set_reply payload.
func DecodeSetReply(payload []byte) (SetReply, error) {
	var reply SetReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return SetReply{}, apierrors.NewProtocolViolation("set reply: %v", err)
	}
	if reply.ID == "" {
		return SetReply{}, apierrors.NewProtocolViolation("set reply: missing id")
	}
	return reply, nil
}
