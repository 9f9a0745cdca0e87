package workspace

import (
	"fmt"
	"strconv"

	"github.com/splax/devspace/internal/docker"
	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/pkg/config"
)

const (
	workspaceUser = "coder"
	workspacePids = 512
	workspaceFDs  = 4096
)

// workspaceURL is the public address of the IDE, routed by the ingress proxy
// from <id>-<port>.<domain> to the container.
func workspaceURL(cfg config.WorkspaceConfig, projectID string) string {
	host := fmt.Sprintf("%s-%d.%s", projectID, domain.WorkspacePort, cfg.BaseDomain)
	return config.BaseURL(cfg.Protocol, host, cfg.BasePort) + "/"
}

func proxyURI(cfg config.WorkspaceConfig, projectID string) string {
	host := projectID + "-{{port}}." + cfg.BaseDomain
	return config.BaseURL(cfg.Protocol, host, cfg.BasePort) + "/"
}

func containerLabels(p *domain.Project) map[string]string {
	return map[string]string{
		docker.LabelManaged: "true",
		docker.LabelProject: p.ID,
		docker.LabelUser:    p.UserID,
	}
}

// buildSpec describes the container for p. password is the plaintext
// workspace password and is only placed in the container environment.
func buildSpec(cfg config.WorkspaceConfig, p *domain.Project, password string) (docker.WorkspaceSpec, error) {
	_, memBytes, err := domain.ParseMemoryLimit(p.MemoryLimit)
	if err != nil {
		return docker.WorkspaceSpec{}, err
	}
	cores, err := domain.ParseCPUCores(p.CPUCores)
	if err != nil {
		return docker.WorkspaceSpec{}, err
	}

	proxyDomain := p.ID + "." + cfg.BaseDomain
	auth := "none"
	env := map[string]string{
		"PROJECT_ID":       p.ID,
		"PROJECT_TYPE":     string(p.Type),
		"PROJECT_NAME":     p.Name,
		"VSCODE_PROXY_URI": proxyURI(cfg, p.ID),
		"PROXY_DOMAIN":     proxyDomain,
	}
	if p.PasswordProtected && password != "" {
		auth = "password"
		env["PASSWORD"] = password
	}
	if p.GitRepository != nil {
		env["GIT_REPO_NAME"] = p.GitRepository.Name
		env["GIT_REPO_URL"] = p.GitRepository.InternalCloneURL
		env["GIT_WEB_URL"] = p.GitRepository.WebURL
	}

	name := p.ContainerName()
	return docker.WorkspaceSpec{
		Name:  name,
		Image: cfg.WorkspaceImage,
		Cmd: []string{
			"code-server",
			"--bind-addr", "0.0.0.0:" + strconv.Itoa(domain.WorkspacePort),
			"--auth", auth,
			"--proxy-domain", proxyDomain,
			domain.WorkspaceDir,
		},
		Env:         env,
		WorkingDir:  domain.WorkspaceDir,
		Labels:      containerLabels(p),
		Port:        domain.WorkspacePort,
		MemoryBytes: memBytes,
		NanoCPUs:    domain.NanoCPUs(cores),
		PidsLimit:   workspacePids,
		NoFile:      workspaceFDs,
		Network:     cfg.DockerNetwork,
		Alias:       name,
	}, nil
}

func observedStatus(st docker.ContainerState) domain.ProjectStatus {
	if st.Running {
		return domain.StatusRunning
	}
	return domain.StatusStopped
}

// mergeStatus reconciles a record with the runtime observation. A workspace
// whose readiness has not been confirmed keeps reporting creating, and a
// failed creation keeps reporting error, whatever the runtime says. A record
// without a workspace URL never reports running.
func mergeStatus(p *domain.Project, observed domain.ProjectStatus) domain.ProjectStatus {
	if p.WorkspaceURL == "" {
		switch p.Status {
		case domain.StatusCreating, domain.StatusRunning:
			return domain.StatusCreating
		case domain.StatusError:
			return domain.StatusError
		}
		if observed == domain.StatusRunning {
			return p.Status
		}
	}
	return observed
}
