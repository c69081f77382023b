package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdash/backend/internal/config"
	"github.com/devdash/backend/internal/ws"
	"github.com/devdash/backend/pkg/protocol"
)

func TestParseData(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "empty", raw: "  "},
		{name: "object", raw: `{"message":"hi"}`, want: `{"message":"hi"}`},
		{name: "number", raw: "42", want: "42"},
		{name: "invalid", raw: "{nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseData(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func startHub(t *testing.T) (*ws.Hub, string) {
	t.Helper()
	hub := ws.NewHub(config.Default().Hub)
	hub.SetRouter(ws.NewRelayMux(hub))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSendWithAck(t *testing.T) {
	_, url := startHub(t)

	out, err := execute(t, "send", "--url", url, "--type", "notification", "--data", `{"message":"hi"}`, "--ack", "--timeout", "3s")
	require.NoError(t, err)

	env, err := protocol.Parse([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(env.Type), "notification_ack_"), "got %s", env.Type)
	assert.JSONEq(t, `{"delivered":0}`, string(env.Data))
}

func TestSendWithoutAck(t *testing.T) {
	_, url := startHub(t)

	out, err := execute(t, "send", "--url", url, "--type", "notification", "--timeout", "3s")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestSendValidation(t *testing.T) {
	_, err := execute(t, "send", "--url", "ws://127.0.0.1:1/ws")
	assert.ErrorContains(t, err, "--type is required")

	_, err = execute(t, "send", "--url", "ws://127.0.0.1:1/ws", "--type", "x", "--data", "{")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestWatchRequiresEvents(t *testing.T) {
	_, err := execute(t, "watch", "--url", "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
