package workspace

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/git"
)

var groupPattern = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// CreateInput carries a project creation request. Password and GitToken are
// scoped to the call and never stored.
type CreateInput struct {
	UserID            string
	Name              string
	Type              string
	MemoryLimit       string
	CPUCores          int
	PasswordProtected bool
	Password          string
	CreateGitRepo     bool
	GitURL            string
	GitUsername       string
	GitToken          string
	Group             string
}

type validatedInput struct {
	name        string
	typ         domain.ProjectType
	memory      string
	memoryBytes int64
	cpu         int
	gitURL      string
	gitUsername string
	gitToken    string
	group       string
}

func validateCreate(in CreateInput) (validatedInput, error) {
	var out validatedInput
	out.name = strings.TrimSpace(in.Name)
	if out.name == "" {
		return out, validationErr("project name is required")
	}
	if utf8.RuneCountInString(out.name) > 100 {
		return out, validationErr("project name must be at most 100 characters")
	}

	typ, ok := domain.ParseProjectType(in.Type)
	if !ok {
		return out, validationErr("unsupported project type %q", in.Type)
	}
	out.typ = typ

	memory, bytes, err := domain.ParseMemoryLimit(in.MemoryLimit)
	if err != nil {
		return out, validationErr("%v", err)
	}
	out.memory, out.memoryBytes = memory, bytes

	cpu, err := domain.ParseCPUCores(in.CPUCores)
	if err != nil {
		return out, validationErr("%v", err)
	}
	out.cpu = cpu

	if in.PasswordProtected {
		n := utf8.RuneCountInString(in.Password)
		if n < domain.MinPasswordLength || n > domain.MaxPasswordLength {
			return out, validationErr("password must be between %d and %d characters", domain.MinPasswordLength, domain.MaxPasswordLength)
		}
	}

	if typ == domain.TypeGitClone {
		raw := strings.TrimSpace(in.GitURL)
		if raw == "" {
			return out, validationErr("git url is required for git-clone projects")
		}
		if !git.ValidRemoteURL(raw) {
			return out, validationErr("git url must use http or https")
		}
		cleaned, user, token := splitCredentials(raw)
		out.gitURL = cleaned
		out.gitUsername = firstNonEmpty(strings.TrimSpace(in.GitUsername), user)
		out.gitToken = firstNonEmpty(in.GitToken, token)
	}

	group, err := normalizeGroup(in.Group)
	if err != nil {
		return out, err
	}
	out.group = group
	return out, nil
}

// splitCredentials moves user info embedded in a remote URL out of it so the
// stored URL never carries a secret.
func splitCredentials(raw string) (string, string, string) {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw, "", ""
	}
	user := u.User.Username()
	token, _ := u.User.Password()
	u.User = nil
	return u.String(), user, token
}

func normalizeGroup(raw string) (string, error) {
	group := strings.TrimSpace(raw)
	if group == "" {
		return domain.DefaultGroup, nil
	}
	if len(group) > domain.MaxGroupLength {
		return "", validationErr("group name must be at most %d characters", domain.MaxGroupLength)
	}
	if !groupPattern.MatchString(group) {
		return "", validationErr("group name may only contain letters, numbers, spaces, hyphens and underscores")
	}
	return group, nil
}

func validateNotes(text string) error {
	if len(text) > domain.MaxNotesBytes {
		return validationErr("notes must be at most %d bytes", domain.MaxNotesBytes)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
