package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRef_URI(t *testing.T) {
	ref := Ref{AppName: "meshflow", UserID: "u1", SessionID: "s1", Filename: "input_a_wf1.json"}
	assert.Equal(t, "artifact://meshflow/u1/s1/input_a_wf1.json", ref.URI())
	assert.Equal(t, "artifact://meshflow/u1/s1/input_a_wf1.json?version=3", ref.WithVersion(3).URI())
}

func TestParseURI(t *testing.T) {
	ref, err := ParseURI("artifact://meshflow/u1/s1/out.json?version=2")
	require.NoError(t, err)
	assert.Equal(t, Ref{AppName: "meshflow", UserID: "u1", SessionID: "s1", Filename: "out.json", Version: 2}, ref)

	ref, err = ParseURI("artifact://meshflow/u1/s1/out.json")
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, ref.Version)

	_, err = ParseURI("https://meshflow/u1/s1/out.json")
	assert.Error(t, err)

	_, err = ParseURI("artifact://meshflow/u1/out.json")
	assert.Error(t, err)

	_, err = ParseURI("artifact://meshflow/u1/s1/out.json?version=zero")
	assert.Error(t, err)
}

func TestMemoryService_VersioningAndLatest(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	ref := Ref{AppName: "app", UserID: "u", SessionID: "s", Filename: "f.json"}

	v1, err := svc.Save(ctx, ref, []byte(`{"n":1}`), "application/json")
	require.NoError(t, err)
	v2, err := svc.Save(ctx, ref, []byte(`{"n":2}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)

	got, err := svc.Load(ctx, ref.WithVersion(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got))

	latest, err := svc.Load(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(latest))
}

func TestMemoryService_NotFound(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService()
	ref := Ref{AppName: "app", UserID: "u", SessionID: "s", Filename: "missing.json"}

	_, err := svc.Load(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Save(ctx, ref, []byte("x"), "")
	require.NoError(t, err)
	_, err = svc.Load(ctx, ref.WithVersion(9))
	assert.ErrorIs(t, err, ErrNotFound)
}
