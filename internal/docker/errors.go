package docker

import (
	"errors"
	"strings"

	"github.com/docker/docker/errdefs"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// ErrNetworkMissing indicates the shared workspace network does not exist.
var ErrNetworkMissing = errors.New("docker: workspace network missing")

func isNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}

// isAlreadyConnected reports whether a network connect error means the
// container is already a member of the network.
func isAlreadyConnected(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists in network") ||
		strings.Contains(msg, "already attached") ||
		strings.Contains(msg, "already connected")
}
