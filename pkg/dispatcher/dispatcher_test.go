package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestDispatchOk(t *testing.T) {
	r := NewRegistry()
	r.Register("ping", func(ctx context.Context, params json.RawMessage, creds *Credentials, opts RuntimeOptions) (any, []types.LogMessage, error) {
		return "pong", nil, nil
	})

	result := r.Dispatch(context.Background(), Envelope{Command: "ping"}, nil, RuntimeOptions{})
	require.Nil(t, result.Error)
	require.Equal(t, "pong", result.Response)
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := NewRegistry()
	result := r.Dispatch(context.Background(), Envelope{Command: "nope"}, nil, RuntimeOptions{})
	require.NotNil(t, result.Error)
	require.Equal(t, apierr.KindUnimplemented.EnvelopeCode(), result.Error.Code)
}

func TestDispatchHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register("fail", func(ctx context.Context, params json.RawMessage, creds *Credentials, opts RuntimeOptions) (any, []types.LogMessage, error) {
		return nil, nil, apierr.NotFound("table missing")
	})

	result := r.Dispatch(context.Background(), Envelope{Command: "fail"}, nil, RuntimeOptions{})
	require.NotNil(t, result.Error)
	require.Equal(t, apierr.KindNotFound.EnvelopeCode(), result.Error.Code)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	h := func(ctx context.Context, params json.RawMessage, creds *Credentials, opts RuntimeOptions) (any, []types.LogMessage, error) {
		return nil, nil, nil
	}
	r.Register("dup", h)
	require.Panics(t, func() { r.Register("dup", h) })
}
