package git

// Step is one command of the in-container project initialisation. Credentials
// travel in Env; Cmd never contains a secret.
type Step struct {
	Name  string
	Cmd   []string
	Env   map[string]string
	User  string
	Fatal bool
}

// Remote is an authenticated Git remote.
type Remote struct {
	URL      string
	Username string
	Password string
}

// PlanInput describes how a new workspace should be seeded.
type PlanInput struct {
	Dir         string
	Owner       string
	AuthorName  string
	AuthorEmail string
	// Source is cloned into Dir when set. Otherwise Dir is initialised empty.
	Source *Remote
	// Local is the persistent repository on the local Git host. After a clone
	// the source becomes "upstream" and Local becomes "origin".
	Local *Remote
}

const (
	sourceUserEnv = "DEVSPACE_GIT_SOURCE_USERNAME"
	sourcePassEnv = "DEVSPACE_GIT_SOURCE_TOKEN"
	sourceURLEnv  = "DEVSPACE_GIT_SOURCE_URL"
	localUserEnv  = "DEVSPACE_GIT_LOCAL_USERNAME"
	localPassEnv  = "DEVSPACE_GIT_LOCAL_PASSWORD"
)

// credentialHelper returns a git credential helper reading the given env
// variables at call time.
func credentialHelper(userEnv, passEnv string) string {
	return `credential.helper=!f() { test "$1" = get || exit 0; echo "username=${` + userEnv + `}"; echo "password=${` + passEnv + `}"; }; f`
}

func shell(script string) []string {
	return []string{"sh", "-c", script}
}

// InitPlan returns the ordered initialisation steps for a workspace. Only a
// failed clone is fatal; every other step is best effort.
func InitPlan(in PlanInput) []Step {
	dir := in.Dir
	if dir == "" {
		dir = "/workspace"
	}
	owner := in.Owner
	if owner == "" {
		owner = "coder"
	}
	name := in.AuthorName
	if name == "" {
		name = "Developer"
	}
	email := in.AuthorEmail
	if email == "" {
		email = "developer@devspace.local"
	}

	var steps []Step
	if in.Source != nil {
		env := map[string]string{sourceURLEnv: in.Source.URL}
		cmd := shell(`git clone -- "$` + sourceURLEnv + `" ` + dir)
		if in.Source.Password != "" {
			user := in.Source.Username
			if user == "" {
				user = "git"
			}
			env[sourceUserEnv] = user
			env[sourcePassEnv] = in.Source.Password
			cmd = shell(`git -c '` + credentialHelper(sourceUserEnv, sourcePassEnv) + `' clone -- "$` + sourceURLEnv + `" ` + dir)
		}
		steps = append(steps, Step{Name: "clone", Cmd: cmd, Env: env, Fatal: true})
	} else {
		steps = append(steps, Step{Name: "init", Cmd: []string{"git", "-C", dir, "init", "-b", "main"}})
	}

	steps = append(steps,
		Step{Name: "config-user-name", Cmd: []string{"git", "-C", dir, "config", "user.name", name}},
		Step{Name: "config-user-email", Cmd: []string{"git", "-C", dir, "config", "user.email", email}},
	)

	if in.Local != nil {
		if in.Source != nil {
			steps = append(steps, Step{Name: "rename-origin", Cmd: []string{"git", "-C", dir, "remote", "rename", "origin", "upstream"}})
		}
		steps = append(steps, Step{Name: "add-local-remote", Cmd: []string{"git", "-C", dir, "remote", "add", "origin", in.Local.URL}})
		if in.Source != nil {
			env := map[string]string{localUserEnv: in.Local.Username, localPassEnv: in.Local.Password}
			helper := `git -c '` + credentialHelper(localUserEnv, localPassEnv) + `' -C ` + dir
			steps = append(steps,
				Step{Name: "push-branches", Cmd: shell(helper + ` push origin --all`), Env: env},
				Step{Name: "push-tags", Cmd: shell(helper + ` push origin --tags`), Env: env},
			)
		}
	}

	steps = append(steps, Step{Name: "chown", Cmd: []string{"chown", "-R", owner + ":" + owner, dir}, User: "root"})
	return steps
}
