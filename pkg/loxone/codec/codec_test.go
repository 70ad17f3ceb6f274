package codec

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_LLEnvelopeStringCode(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"LL":{"control":"jdev/sps/io/abc/on","value":"1","Code":"200"}}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.JSONEq(t, `"1"`, string(resp.Value))
}

func TestParseResponse_LLEnvelopeIntCode(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"LL":{"value":{"temp":21.5},"Code":500}}`))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Code)
	assert.JSONEq(t, `{"temp":21.5}`, string(resp.Value))
}

func TestParseResponse_BareJSON(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"temp": 21.5}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.JSONEq(t, `{"temp": 21.5}`, string(resp.Value))
}

func TestParseResponse_NonJSONText(t *testing.T) {
	resp, err := ParseResponse([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.JSONEq(t, `"pong"`, string(resp.Value))
}

func TestParseResponse_MalformedCode(t *testing.T) {
	_, err := ParseResponse([]byte(`{"LL":{"Code":"not-a-number","value":"x"}}`))
	require.Error(t, err)
}

func TestEncodeIO(t *testing.T) {
	tests := []struct {
		uuid, cmd string
	}{
		{"12345678-1234-1234-1234-123456789abc", "on"},
		{"12345678-1234-1234-1234-123456789abc", "setpoint/21.5"},
		{"abc", "mode/auto energy"},
		{"abc", "name with spaces/and/slashes"},
		{"abc", "ünïcödé"},
	}
	for _, tt := range tests {
		path := EncodeIO(tt.uuid, tt.cmd)
		assert.True(t, strings.HasPrefix(path, "jdev/sps/io/"))
		// Every '/'-delimited segment round-trips through url.PathUnescape.
		parts := strings.Split(strings.TrimPrefix(path, "jdev/sps/io/"), "/")
		decodedUUID, err := url.PathUnescape(parts[0])
		require.NoError(t, err)
		assert.Equal(t, tt.uuid, decodedUUID)

		origSegments := strings.Split(tt.cmd, "/")
		require.Equal(t, len(origSegments), len(parts)-1)
		for i, seg := range origSegments {
			decoded, err := url.PathUnescape(parts[i+1])
			require.NoError(t, err)
			assert.Equal(t, seg, decoded)
		}
	}
}

func TestParseStructure(t *testing.T) {
	doc := []byte(`{
		"rooms": {"r1": {"name": "Living Room"}},
		"cats": {"c1": {"name": "Lights", "type": "lights"}},
		"controls": {
			"d1": {
				"uuidAction": "d1",
				"name": "Living Room Light",
				"type": "LightController",
				"room": "r1",
				"cat": "c1",
				"states": {"value": "s1"}
			}
		}
	}`)
	s, err := ParseStructure(doc)
	require.NoError(t, err)
	require.Len(t, s.Rooms, 1)
	require.Len(t, s.Devices, 1)
	dev := s.Devices["d1"]
	assert.Equal(t, "Living Room Light", dev.Name)
	assert.Equal(t, "r1", dev.RoomUUID)
	assert.Equal(t, "s1", dev.States["value"])
}
