package worker

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcstor/console-access-engine/internal/access"
	"github.com/arcstor/console-access-engine/internal/permission"
)

func startLocalWorker(t *testing.T) *Client {
	t.Helper()

	pipe, clientSide, hostSide := NewPipe(4)
	t.Cleanup(func() { _ = pipe.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewLocalWorker(hostSide).Run(ctx)

	return NewClient(clientSide, 5*time.Second)
}

func TestLocalWorker_SetPermission(t *testing.T) {
	client := startLocalWorker(t)

	req := NewSetPermissionRequest("raw-api-key", permission.ReadOnly("demo-bucket"))
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Error)
	require.NotEmpty(t, resp.Value)

	key, err := access.ParseKey(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, "raw-api-key", key.Head)
	require.Len(t, key.Caveats, 1)
	assert.True(t, key.Caveats[0].DisallowUpload)
	assert.False(t, key.Caveats[0].DisallowDownload)
	assert.Equal(t, []string{"demo-bucket"}, key.Caveats[0].AllowedBuckets)
}

func TestLocalWorker_SetPermission_NoCapabilities(t *testing.T) {
	client := startLocalWorker(t)

	req := NewSetPermissionRequest("raw-api-key", permission.Permission{})
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
	assert.Empty(t, resp.Value)
}

func TestLocalWorker_GenerateAccess(t *testing.T) {
	client := startLocalWorker(t)

	salt := base64.StdEncoding.EncodeToString([]byte("project-salt-bytes"))
	req := NewGenerateAccessRequest("raw-api-key", "supersecretpassphrase", salt, "", "node1.sat.example.com:7777")
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Error)

	parsed, err := access.ParseGrant(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, "node1.sat.example.com:7777", parsed.SatelliteNodeURL())

	// Same inputs must derive the same grant.
	again, err := client.Call(context.Background(), NewGenerateAccessRequest(
		"raw-api-key", "supersecretpassphrase", salt, "", "node1.sat.example.com:7777"))
	require.NoError(t, err)
	assert.Equal(t, resp.Value, again.Value)

	// A different passphrase must not.
	other, err := client.Call(context.Background(), NewGenerateAccessRequest(
		"raw-api-key", "different-passphrase", salt, "", "node1.sat.example.com:7777"))
	require.NoError(t, err)
	assert.NotEqual(t, resp.Value, other.Value)
}

func TestLocalWorker_GenerateAccess_ProjectIDFallback(t *testing.T) {
	client := startLocalWorker(t)

	req := NewGenerateAccessRequest("raw-api-key", "passphrase", "", "project-1234", "node1.sat.example.com:7777")
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.Value)
}

func TestLocalWorker_GenerateAccess_InvalidSalt(t *testing.T) {
	client := startLocalWorker(t)

	req := NewGenerateAccessRequest("raw-api-key", "passphrase", "%%%not-base64%%%", "", "node1.sat.example.com:7777")
	resp, err := client.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "invalid salt encoding")
}

func TestLocalWorker_UnknownType(t *testing.T) {
	client := startLocalWorker(t)

	resp, err := client.Call(context.Background(), &Request{Type: "Bogus"})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "unknown message type")
}
