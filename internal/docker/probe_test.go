package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/berth/internal/model"
)

// fakeProbe returns a Probe whose daemon reports containers and records the
// options it was called with.
func fakeProbe(containers []types.Container, err error, seen *container.ListOptions) *Probe {
	return &Probe{list: func(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
		if seen != nil {
			*seen = opts
		}
		return containers, err
	}}
}

// testContainers models a Compose web service published on 8001 over both
// IPv4 and IPv6, a database with one unpublished and one published port,
// and a container that only claims 8005 through its label.
func testContainers() []types.Container {
	return []types.Container{
		{
			ID:    "aaa111",
			Names: []string{"/berth-web-1"},
			Labels: map[string]string{
				composeServiceLabel: "web",
				LabelWorktreePath:   "/wt/app/feature",
				LabelConversation:   "conv-1",
			},
			Ports: []types.Port{
				{IP: "0.0.0.0", PrivatePort: 3000, PublicPort: 8001, Type: "tcp"},
				{IP: "::", PrivatePort: 3000, PublicPort: 8001, Type: "tcp"},
			},
		},
		{
			ID:    "bbb222",
			Names: []string{"/db"},
			Ports: []types.Port{
				{PrivatePort: 5432, Type: "tcp"},
				{PrivatePort: 5432, PublicPort: 8000, Type: "tcp"},
			},
		},
		{
			ID:     "ccc333",
			Names:  []string{"/starting"},
			Labels: map[string]string{LabelPort: "8005"},
		},
	}
}

// TestPublications verifies flattening, deduplication, sorting and label
// attribution.
func TestPublications(t *testing.T) {
	var opts container.ListOptions
	p := fakeProbe(testContainers(), nil, &opts)

	pubs, err := p.Publications(context.Background())
	require.NoError(t, err)
	require.Len(t, pubs, 3)

	assert.Equal(t, []string{"running"}, opts.Filters.Get("status"))

	assert.Equal(t, 8000, pubs[0].Port)
	assert.Equal(t, "db", pubs[0].ContainerName)

	assert.Equal(t, 8001, pubs[1].Port)
	assert.Equal(t, "berth-web-1", pubs[1].ContainerName)
	assert.Equal(t, "web", pubs[1].ServiceName)
	assert.Equal(t, "/wt/app/feature", pubs[1].Owner.WorktreePath)
	assert.Equal(t, "conv-1", pubs[1].Owner.ConversationKey)

	assert.Equal(t, 8005, pubs[2].Port)
	assert.Equal(t, "tcp", pubs[2].Protocol)
}

// TestProbe_IsBound covers published, label-claimed and free ports.
func TestProbe_IsBound(t *testing.T) {
	p := fakeProbe(testContainers(), nil, nil)
	ctx := context.Background()

	assert.Equal(t, "docker", p.Name())

	for port, want := range map[int]bool{8000: true, 8001: true, 8005: true, 8002: false, 5432: false} {
		got, err := p.IsBound(ctx, port)
		require.NoError(t, err)
		assert.Equal(t, want, got, "port %d", port)
	}
}

// TestProbe_DaemonError verifies daemon failures surface as External errors.
func TestProbe_DaemonError(t *testing.T) {
	p := fakeProbe(nil, errors.New("Cannot connect to the Docker daemon"), nil)

	_, err := p.IsBound(context.Background(), 8000)
	require.Error(t, err)
	assert.True(t, model.IsExternal(err))
	assert.Contains(t, err.Error(), "Cannot connect to the Docker daemon")
}

// TestDetectUnixSocket verifies the first existing path wins and a helpful
// error is returned when none exist.
func TestDetectUnixSocket(t *testing.T) {
	dir := t.TempDir()

	host, err := detectUnixSocket([]string{dir + "/missing.sock", dir})
	require.NoError(t, err)
	assert.Equal(t, "unix://"+dir, host)

	_, err = detectUnixSocket([]string{dir + "/missing.sock"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is Docker running?")
}
