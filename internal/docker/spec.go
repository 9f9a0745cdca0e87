package docker

import (
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

// Label keys applied to every managed workspace container.
const (
	LabelManaged = "devspace.managed"
	LabelProject = "devspace.project"
	LabelUser    = "devspace.user"
)

var allowedCapabilities = []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETUID", "SETGID", "NET_BIND_SERVICE"}

// WorkspaceSpec is the complete description of a workspace container.
type WorkspaceSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         map[string]string
	WorkingDir  string
	Labels      map[string]string
	Port        int
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NoFile      int64
	Network     string
	Alias       string
}

const (
	defaultPidsLimit = 512
	defaultNoFile    = 4096
)

func (s WorkspaceSpec) env() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (s WorkspaceSpec) containerConfig() *container.Config {
	cfg := &container.Config{
		Image:      s.Image,
		Cmd:        s.Cmd,
		Env:        s.env(),
		WorkingDir: s.WorkingDir,
		Labels:     s.Labels,
		Hostname:   s.Alias,
	}
	if s.Port > 0 {
		cfg.ExposedPorts = nat.PortSet{nat.Port(strconv.Itoa(s.Port) + "/tcp"): struct{}{}}
	}
	return cfg
}

func (s WorkspaceSpec) hostConfig() *container.HostConfig {
	pids := s.PidsLimit
	if pids <= 0 {
		pids = defaultPidsLimit
	}
	nofile := s.NoFile
	if nofile <= 0 {
		nofile = defaultNoFile
	}
	return &container.HostConfig{
		NetworkMode: container.NetworkMode(s.Network),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      append([]string(nil), allowedCapabilities...),
		SecurityOpt: []string{"no-new-privileges:true"},
		IpcMode:     container.IpcMode("private"),
		Resources: container.Resources{
			Memory:    s.MemoryBytes,
			NanoCPUs:  s.NanoCPUs,
			PidsLimit: &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: nofile, Hard: nofile},
			},
		},
	}
}

func (s WorkspaceSpec) networkingConfig() *network.NetworkingConfig {
	if strings.TrimSpace(s.Network) == "" {
		return nil
	}
	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			s.Network: {Aliases: []string{s.Alias}},
		},
	}
}
