package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
)

// EnsureNetwork makes sure the named container is attached to networkName
// under alias. It reports whether a reattachment was needed. A missing
// network cannot be repaired here and yields ErrNetworkMissing.
func (c *Client) EnsureNetwork(ctx context.Context, name, networkName, alias string) (bool, error) {
	if _, err := c.inner.NetworkInspect(ctx, networkName, network.InspectOptions{}); err != nil {
		if isNotFound(err) {
			return false, fmt.Errorf("%w: network %q does not exist, recreate it with `docker network create %s`", ErrNetworkMissing, networkName, networkName)
		}
		return false, fmt.Errorf("network inspect: %w", err)
	}

	state, err := c.InspectContainer(ctx, name, false)
	if err != nil {
		return false, err
	}
	if attached(state, networkName) {
		return false, nil
	}

	err = c.inner.NetworkConnect(ctx, networkName, name, &network.EndpointSettings{Aliases: []string{alias}})
	if err != nil {
		if isAlreadyConnected(err) {
			return false, nil
		}
		return false, fmt.Errorf("network connect: %w", err)
	}
	return true, nil
}

func attached(state ContainerState, networkName string) bool {
	for _, n := range state.Networks {
		if n == networkName {
			return true
		}
	}
	return false
}
