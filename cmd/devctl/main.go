package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/devspace/pkg/api/client"
	"github.com/splax/devspace/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPI = "http://localhost:3000"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = commandCreate(args)
	case "list":
		err = commandList(args)
	case "get":
		err = commandGet(args)
	case "start", "stop", "delete":
		err = commandAction(cmd, args)
	case "notes":
		err = commandNotes(args)
	case "group":
		err = commandGroup(args)
	case "groups":
		err = commandGroups(args)
	case "stats":
		err = commandStats(args)
	case "cleanup":
		err = commandCleanup(args)
	case "token":
		err = commandToken(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type session struct {
	client *apiclient.Client
	token  string
}

func newSession(apiBase string) (session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return session{}, err
	}
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return session{}, err
	}
	return session{client: client, token: strings.TrimSpace(cfg.AccessToken)}, nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func commandCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	name := fs.String("name", "", "Project name")
	projType := fs.String("type", "empty", "Project type (empty|git-clone)")
	memory := fs.String("memory", "", "Memory limit (1g|2g|4g|8g|16g)")
	cpus := fs.Int("cpus", 0, "CPU cores (1|2|4|8)")
	protect := fs.Bool("protect", false, "Protect the workspace with a password")
	password := fs.String("password", "", "Workspace password (prompted when --protect is set)")
	gitURL := fs.String("git-url", "", "Repository to clone for git-clone projects")
	gitUser := fs.String("git-username", "", "Username for a private repository")
	gitToken := fs.Bool("git-token", false, "Prompt for a personal access token")
	createRepo := fs.Bool("create-repo", false, "Create a repository on the local Git server")
	group := fs.String("group", "", "Group label")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	input := apiclient.CreateProjectInput{
		ProjectName:       *name,
		ProjectType:       *projType,
		MemoryLimit:       *memory,
		CPUCores:          *cpus,
		PasswordProtected: *protect,
		Password:          *password,
		CreateGitRepo:     *createRepo,
		GitURL:            *gitURL,
		GitUsername:       *gitUser,
		Group:             *group,
	}
	if *protect && input.Password == "" {
		secret, err := promptSecret("Workspace password: ")
		if err != nil {
			return err
		}
		input.Password = secret
	}
	if *gitToken {
		secret, err := promptSecret("Git access token: ")
		if err != nil {
			return err
		}
		input.GitToken = secret
	}

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	resp, err := s.client.CreateProject(ctx, s.token, input)
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s) status=%s\n", resp.Project.ID, resp.Project.Name, resp.Project.Status)
	if resp.Password != "" {
		fmt.Println("workspace password accepted; it will not be shown again")
	}
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	group := fs.String("group", "", "Only show this group")
	fs.Parse(args)

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	projects, err := s.client.ListProjects(ctx, s.token)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tGROUP\tURL")
	for _, p := range projects {
		if *group != "" && p.Group != *group {
			continue
		}
		url := "-"
		if p.WorkspaceURL != nil {
			url = *p.WorkspaceURL
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.Group, url)
	}
	return w.Flush()
}

func commandGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	id := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--project is required")
	}

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	project, err := s.client.GetProject(ctx, s.token, *id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(project)
}

func commandAction(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	id := fs.String("project", "", "Project identifier")
	ask := fs.Bool("p", false, "Prompt for the workspace password")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--project is required")
	}
	password := ""
	if *ask {
		secret, err := promptSecret("Workspace password: ")
		if err != nil {
			return err
		}
		password = secret
	}

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var resp apiclient.ActionResponse
	switch action {
	case "start":
		resp, err = s.client.StartProject(ctx, s.token, *id, password)
	case "stop":
		resp, err = s.client.StopProject(ctx, s.token, *id, password)
	default:
		resp, err = s.client.DeleteProject(ctx, s.token, *id, password)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp.ProjectID, resp.Message)
	if resp.WorkspaceURL != "" {
		fmt.Printf("url: %s\n", resp.WorkspaceURL)
	}
	return nil
}

func commandNotes(args []string) error {
	fs := flag.NewFlagSet("notes", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	id := fs.String("project", "", "Project identifier")
	set := fs.String("set", "", "Replace the notes with this text")
	file := fs.String("file", "", "Replace the notes with the content of this file")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--project is required")
	}

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	text := *set
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read notes file: %w", err)
		}
		text = string(data)
	}
	if text == "" {
		notes, err := s.client.Notes(ctx, s.token, *id)
		if err != nil {
			return err
		}
		fmt.Println(notes)
		return nil
	}
	if err := s.client.UpdateNotes(ctx, s.token, *id, text); err != nil {
		return err
	}
	fmt.Println("notes updated")
	return nil
}

func commandGroup(args []string) error {
	fs := flag.NewFlagSet("group", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	id := fs.String("project", "", "Project identifier")
	name := fs.String("name", "", "Group name (empty moves the project to the default group)")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--project is required")
	}

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	group, err := s.client.UpdateGroup(ctx, s.token, *id, *name)
	if err != nil {
		return err
	}
	fmt.Printf("%s moved to %s\n", *id, group)
	return nil
}

func commandGroups(args []string) error {
	fs := flag.NewFlagSet("groups", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	groups, err := s.client.Groups(ctx, s.token)
	if err != nil {
		return err
	}
	for _, g := range groups {
		fmt.Printf("%s\t%d\n", g.Name, g.Count)
	}
	return nil
}

func commandStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()
	stats, err := s.client.Stats(ctx, s.token)
	if err != nil {
		return err
	}
	fmt.Printf("total=%d running=%d max_per_user=%d\n", stats.TotalProjects, stats.RunningProjects, stats.MaxWorkspacesPerUser)
	return nil
}

func commandCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	fs.Parse(args)

	s, err := newSession(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	removed, err := s.client.Cleanup(ctx, s.token)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d stale project(s)\n", removed)
	return nil
}

// commandToken mints a bearer token with the server's signing secret and
// stores it for later commands.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User identifier")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Signing secret (defaults to $JWT_SECRET)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	apiBase := fs.String("api", "", "API base URL to store alongside the token")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	if strings.TrimSpace(*secret) == "" {
		return errors.New("--secret or JWT_SECRET is required")
	}
	token, err := jwt.GenerateToken(*user, *secret, *ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("token stored for %s\n", *user)
	return nil
}

func promptSecret(label string) (string, error) {
	fmt.Print(label)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(bytes), nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPI}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPI
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "devspace", "config.json"), nil
}

func printUsage() {
	fmt.Printf("devctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	devctl token --user <id> [--secret s] [--api http://localhost:3000]
	devctl create --name <name> [--type empty|git-clone] [--git-url url] [--git-username u] [--git-token]
	              [--memory 4g] [--cpus 2] [--protect] [--create-repo] [--group name]
	devctl list [--group name]
	devctl get --project <id>
	devctl start|stop|delete --project <id> [-p]
	devctl notes --project <id> [--set text | --file path]
	devctl group --project <id> --name <group>
	devctl groups
	devctl stats
	devctl cleanup
	devctl version
`)
}
