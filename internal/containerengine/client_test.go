package containerengine

import (
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
)

func TestHostPortForResolvesPublishedBinding(t *testing.T) {
	inspect := container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					"8080/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "54321"}},
				},
			},
		},
	}
	port, err := hostPortFor(inspect, 8080)
	require.NoError(t, err)
	require.Equal(t, 54321, port)
}

func TestHostPortForMissingBindingErrors(t *testing.T) {
	inspect := container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{Ports: nat.PortMap{}},
		},
	}
	_, err := hostPortFor(inspect, 8080)
	require.Error(t, err)
}

func TestSplitLinesSplitsOnNewlinesAndFlushesTrailing(t *testing.T) {
	var lines []string
	err := splitLines(strings.NewReader("line one\nline two\npartial"), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"line one", "line two", "partial"}, lines)
}
