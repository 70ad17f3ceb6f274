// Package codec implements the Wire Codec (spec §4.B): pure functions
// that parse Miniserver JSON envelopes and the structure document, and
// encode control URLs. None of it holds state or performs I/O.
package codec

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// Response is the decoded form of a Miniserver LL envelope.
type Response struct {
	Code  int
	Value json.RawMessage
}

type llEnvelope struct {
	LL struct {
		Code  json.RawMessage `json:"Code"`
		Value json.RawMessage `json:"value"`
	} `json:"LL"`
}

// ParseResponse accepts any of the three shapes the Miniserver can
// return for a control/query call:
//   - the LL envelope {"LL":{"Code":"200","value":...}} (Code may be a
//     JSON string or number),
//   - a bare JSON value, treated as an implicit 200,
//   - non-JSON text, wrapped as {200, text}.
//
// It fails with MalformedResponse only when an LL envelope is present
// but its shape can't be parsed (e.g. Code isn't string-or-number).
func ParseResponse(raw []byte) (Response, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Response{Code: 200, Value: json.RawMessage("null")}, nil
	}

	var env llEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.LL.Code) > 0 {
		code, err := decodeCode(env.LL.Code)
		if err != nil {
			return Response{}, errs.Wrap(errs.MalformedResponse, "unparseable LL.Code", err)
		}
		value := env.LL.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		return Response{Code: code, Value: value}, nil
	}

	// Not an LL envelope. Try bare JSON.
	var probe json.RawMessage
	if err := json.Unmarshal(raw, &probe); err == nil {
		return Response{Code: 200, Value: probe}, nil
	}

	// Not JSON at all: wrap as text.
	textValue, err := json.Marshal(trimmed)
	if err != nil {
		return Response{}, errs.Wrap(errs.MalformedResponse, "failed to wrap non-JSON text", err)
	}
	return Response{Code: 200, Value: textValue}, nil
}

func decodeCode(raw json.RawMessage) (int, error) {
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, nil
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(asStr))
		if err != nil {
			return 0, fmt.Errorf("Code %q is not numeric: %w", asStr, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("Code is neither string nor number: %s", string(raw))
}

// EncodeIO builds the relative URL path for a device control call:
// jdev/sps/io/<uuid>/<command>, with command URL-encoded segment-wise
// so that e.g. a setpoint command like "setpoint/21.5" keeps its slash
// as a path separator while each segment's special characters are
// escaped.
func EncodeIO(deviceUUID, command string) string {
	segments := strings.Split(command, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("jdev/sps/io/%s/%s", url.PathEscape(deviceUUID), strings.Join(segments, "/"))
}
