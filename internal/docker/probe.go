package docker

import (
	"context"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/port"
)

// Publication is one host port published by a running container.
type Publication struct {
	Port          int         `json:"port" yaml:"port"`
	Protocol      string      `json:"protocol" yaml:"protocol"`
	ContainerID   string      `json:"containerId" yaml:"containerId"`
	ContainerName string      `json:"containerName" yaml:"containerName"`
	ServiceName   string      `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	Owner         model.Owner `json:"owner" yaml:"owner"`
}

// listFunc matches (*client.Client).ContainerList.
type listFunc func(ctx context.Context, options container.ListOptions) ([]types.Container, error)

// Probe implements port.Probe by asking the Docker daemon which host ports
// running containers publish. Unlike a listen probe it sees ports bound
// inside Docker Desktop's VM, where a local bind would succeed.
type Probe struct {
	list listFunc
}

var _ port.Probe = (*Probe)(nil)

// NewProbe returns a Probe backed by c.
func NewProbe(c *Client) *Probe {
	return &Probe{list: c.inner.ContainerList}
}

// Name implements port.Probe.
func (p *Probe) Name() string { return "docker" }

// IsBound implements port.Probe. A port counts as bound when a running
// container publishes it or claims it with the berth.port label.
func (p *Probe) IsBound(ctx context.Context, hostPort int) (bool, error) {
	pubs, err := p.Publications(ctx)
	if err != nil {
		return false, err
	}
	for _, pub := range pubs {
		if pub.Port == hostPort {
			return true, nil
		}
	}
	return false, nil
}

// Publications lists every host port published by running containers,
// sorted by port.
func (p *Probe) Publications(ctx context.Context) ([]Publication, error) {
	containers, err := p.list(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, model.External("list docker containers", err)
	}
	return publications(containers), nil
}

// publications flattens container port mappings into host-port records.
// Unpublished ports (PublicPort 0) are skipped, and a port published on
// both IPv4 and IPv6 is reported once.
func publications(containers []types.Container) []Publication {
	type key struct {
		port  int
		proto string
		id    string
	}
	seen := make(map[key]bool)
	var out []Publication

	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			// The API prefixes names with "/".
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		owner := OwnerFromLabels(c.Labels)

		for _, mapping := range c.Ports {
			if mapping.PublicPort == 0 {
				continue
			}
			proto := mapping.Type
			if proto == "" {
				proto = "tcp"
			}
			k := key{int(mapping.PublicPort), proto, c.ID}
			if seen[k] {
				continue
			}
			seen[k] = true

			out = append(out, Publication{
				Port:          int(mapping.PublicPort),
				Protocol:      proto,
				ContainerID:   c.ID,
				ContainerName: name,
				ServiceName:   c.Labels[composeServiceLabel],
				Owner:         owner,
			})
		}

		// A container can declare its berth port without publishing it yet
		// (e.g. while it is starting). Only running containers are listed,
		// so the claim is honored.
		if lp := labeledPort(c.Labels); lp != 0 && !seen[key{lp, "tcp", c.ID}] {
			seen[key{lp, "tcp", c.ID}] = true
			out = append(out, Publication{
				Port:          lp,
				Protocol:      "tcp",
				ContainerID:   c.ID,
				ContainerName: name,
				ServiceName:   c.Labels[composeServiceLabel],
				Owner:         owner,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
