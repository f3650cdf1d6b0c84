package rest

import (
	"strings"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// errorEnvelopeSchema matches {code: "<positive int>", message: string}.
const errorEnvelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["code", "message"],
	"properties": {
		"code": {"type": "string", "pattern": "^[1-9][0-9]*$"},
		"message": {"type": "string"}
	}
}`

const certificationSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["code", "message", "data"],
	"properties": {
		"code": {"enum": ["0"]},
		"message": {"type": "string"},
		"data": {
			"type": "object",
			"required": ["certificateAccount", "certificatePassword", "url", "port", "protocol"],
			"properties": {
				"certificateAccount": {"type": "string"},
				"certificatePassword": {"type": "string"},
				"url": {"type": "string"},
				"port": {"type": "string"},
				"protocol": {"enum": ["mqtts"]}
			}
		}
	}
}`

const deviceListSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["code", "message", "data"],
	"properties": {
		"code": {"enum": ["0"]},
		"message": {"type": "string"},
		"data": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["sn", "online"],
				"properties": {
					"sn": {"type": "string"},
					"online": {"enum": [0, 1]},
					"deviceName": {"type": "string"},
					"productName": {"type": "string"}
				}
			}
		}
	}
}`

const quotaSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["code", "message", "data"],
	"properties": {
		"code": {"enum": ["0"]},
		"message": {"type": "string"},
		"data": {"type": "object"}
	}
}`

const commandAckSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["code", "message"],
	"properties": {
		"code": {"enum": ["0"]},
		"message": {"type": "string"},
		"eagleEyeTraceId": {"type": "string"},
		"tid": {"type": "string"}
	}
}`

var (
	errorEnvelope      = mustSchema(errorEnvelopeSchema)
	certificationReply = mustSchema(certificationSchema)
	deviceListReply    = mustSchema(deviceListSchema)
	quotaReply         = mustSchema(quotaSchema)
	commandAckReply    = mustSchema(commandAckSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("rest: cannot compile envelope schema: " + err.Error())
	}
	return schema
}

// envelope is the common shape of every vendor response.
type envelope[T any] struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Data            T      `json:"data"`
	EagleEyeTraceID string `json:"eagleEyeTraceId"`
	TID             string `json:"tid"`
}

// decodeEnvelope classifies body as an error envelope (RemoteRejection), a
// success envelope matching success (decoded into T) or neither
// (ProtocolViolation).
func decodeEnvelope[T any](body []byte, success *gojsonschema.Schema) (envelope[T], error) {
	var out envelope[T]

	if !json.Valid(body) {
		return out, apierrors.NewProtocolViolation("response is not JSON: %.120q", string(body))
	}

	doc := gojsonschema.NewBytesLoader(body)

	if result, err := errorEnvelope.Validate(doc); err == nil && result.Valid() {
		var rejected envelope[json.RawMessage]
		if err := json.Unmarshal(body, &rejected); err != nil {
			return out, apierrors.NewProtocolViolation("error envelope: %v", err)
		}
		return out, &apierrors.RemoteRejection{Code: rejected.Code, Message: rejected.Message}
	}

	result, err := success.Validate(doc)
	if err != nil {
		return out, apierrors.NewProtocolViolation("cannot validate response: %v", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return out, apierrors.NewProtocolViolation("unexpected response shape: %s", strings.Join(reasons, "; "))
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, apierrors.NewProtocolViolation("success envelope: %v", err)
	}
	return out, nil
}
