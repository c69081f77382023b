package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"not json":     "hello",
		"array":        `[1,2,3]`,
		"missing type": `{"data":{"a":1},"timestamp":1}`,
		"empty type":   `{"type":"","data":null,"timestamp":1}`,
		"wrong type":   `{"type":42}`,
	}

	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEnvelope))
		})
	}
}

func TestNewWithID_StampsAndEncodes(t *testing.T) {
	env, err := NewWithID(TypeNotification, "abc", map[string]string{"message": "hi"})
	require.NoError(t, err)

	assert.Equal(t, TypeNotification, env.Type)
	assert.Equal(t, "abc", env.ID)
	assert.NotZero(t, env.Timestamp)

	var data map[string]string
	require.NoError(t, env.Decode(&data))
	assert.Equal(t, "hi", data["message"])
}

func TestNew_NilDataEncodesAsNull(t *testing.T) {
	env, err := New(TypePing, nil)
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "null", string(fields["data"]))
	_, hasID := fields["id"]
	assert.False(t, hasID, "id should be omitted when empty")
}

func TestNew_RejectsUnencodableData(t *testing.T) {
	_, err := New(TypeNotification, make(chan int))
	assert.Error(t, err)
}

func TestCorrelatedTypeNames(t *testing.T) {
	assert.Equal(t, MessageType("foo_ack_123"), AckType("foo", "123"))
	assert.Equal(t, MessageType("foo_progress_123"), ProgressType("foo", "123"))
	assert.False(t, AckType(TypePing, "x").IsControl())
}

func TestIsControl(t *testing.T) {
	for _, typ := range []MessageType{TypeWelcome, TypePing, TypePong, TypeSubscribe, TypeUnsubscribe, TypeSubscriptionUpdated, TypeError} {
		assert.True(t, typ.IsControl(), typ)
	}
	for _, typ := range []MessageType{TypeProjectCreated, TypeChatResponse, TypeNotification, "custom"} {
		assert.False(t, typ.IsControl(), typ)
	}
}

func TestEnvelopeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("parsed envelopes preserve type, id and data", prop.ForAll(
		func(typ, id, payload string) bool {
			env, err := NewWithID(MessageType(typ), id, map[string]string{"value": payload})
			if err != nil {
				return false
			}
			raw, err := env.Marshal()
			if err != nil {
				return false
			}
			parsed, err := Parse(raw)
			if err != nil {
				return false
			}
			var data map[string]string
			if err := parsed.Decode(&data); err != nil {
				return false
			}
			return parsed.Type == env.Type &&
				parsed.ID == id &&
				parsed.Timestamp == env.Timestamp &&
				data["value"] == payload
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
