package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	apiclient "github.com/splax/deployments/pkg/api/client"
	"github.com/splax/deployments/pkg/config"
	"github.com/splax/deployments/pkg/jwt"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the shared state of one invocation.
type cli struct {
	cfg    config.CLIConfig
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errors.New("missing command")
	}
	c := &cli{cfg: config.LoadCLIConfig(), stdout: stdout, stderr: stderr}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "list":
		return c.commandList(ctx, rest)
	case "get":
		return c.commandGet(ctx, rest)
	case "create":
		return c.commandCreate(ctx, rest)
	case "update":
		return c.commandUpdate(ctx, rest)
	case "delete":
		return c.commandDelete(ctx, rest)
	case "watch":
		return c.commandWatch(ctx, rest)
	case "health":
		return c.commandHealth(ctx, rest)
	case "token":
		return c.commandToken(rest)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "deployctl %s\n", buildVersion)
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// commonFlags registers the flags every API command understands.
type commonFlags struct {
	api    *string
	token  *string
	asJSON *bool
}

func (c *cli) newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs, commonFlags{
		api:    fs.String("api", c.cfg.APIBaseURL, "API base URL"),
		token:  fs.String("token", c.cfg.Token, "Bearer token for mutating requests"),
		asJSON: fs.Bool("json", false, "Print JSON even on a terminal"),
	}
}

func (c *cli) client(flags commonFlags) (*apiclient.Client, error) {
	return apiclient.New(*flags.api, apiclient.WithToken(*flags.token))
}

func (c *cli) commandList(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("list")
	name := fs.String("name", "", "Only deployments with this name")
	env := fs.String("environment", "", "Only deployments in this environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := c.client(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	items, err := client.ListDeployments(ctx, apiclient.ListOptions{Name: *name, Environment: *env})
	if err != nil {
		return err
	}
	return printDeployments(c.stdout, items, *flags.asJSON)
}

func (c *cli) commandGet(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("get")
	id := fs.Int64("id", 0, "Deployment identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	depID, err := requireID(*id, fs.Args())
	if err != nil {
		return err
	}
	client, err := c.client(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	dep, err := client.GetDeployment(ctx, depID)
	if err != nil {
		return err
	}
	return printDeployment(c.stdout, dep, *flags.asJSON)
}

func (c *cli) commandCreate(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("create")
	name := fs.String("name", "", "Deployment name")
	version := fs.String("version", "", "Deployed version")
	env := fs.String("environment", "", "Target environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, required := range []struct{ flag, value string }{
		{"name", *name}, {"version", *version}, {"environment", *env},
	} {
		if strings.TrimSpace(required.value) == "" {
			return fmt.Errorf("--%s is required", required.flag)
		}
	}
	client, err := c.client(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	dep, err := client.CreateDeployment(ctx, apiclient.CreateDeploymentInput{Name: *name, Version: *version, Environment: *env})
	if err != nil {
		return err
	}
	return printDeployment(c.stdout, dep, *flags.asJSON)
}

func (c *cli) commandUpdate(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("update")
	id := fs.Int64("id", 0, "Deployment identifier")
	name := fs.String("name", "", "New name")
	version := fs.String("version", "", "New version")
	env := fs.String("environment", "", "New environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	depID, err := requireID(*id, fs.Args())
	if err != nil {
		return err
	}

	// only flags given on the command line become part of the patch
	var input apiclient.UpdateDeploymentInput
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			input.Name = name
		case "version":
			input.Version = version
		case "environment":
			input.Environment = env
		}
	})

	client, err := c.client(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	dep, err := client.UpdateDeployment(ctx, depID, input)
	if err != nil {
		return err
	}
	return printDeployment(c.stdout, dep, *flags.asJSON)
}

func (c *cli) commandDelete(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("delete")
	id := fs.Int64("id", 0, "Deployment identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	depID, err := requireID(*id, fs.Args())
	if err != nil {
		return err
	}
	client, err := c.client(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := client.DeleteDeployment(ctx, depID); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "deployment %d deleted\n", depID)
	return nil
}

func (c *cli) commandHealth(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("health")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := c.client(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	status, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, status)
	return nil
}

func (c *cli) commandWatch(ctx context.Context, args []string) error {
	fs, flags := c.newFlagSet("watch")
	env := fs.String("environment", "", "Only events for this environment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := c.client(flags)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, client.EventsURL(*env), client.AuthHeader())
	if err != nil {
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	closed := closeOnDone(ctx, conn)
	defer func() {
		cancel()
		<-closed
	}()

	for {
		var event apiclient.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := printEvent(c.stdout, event, *flags.asJSON); err != nil {
			return err
		}
	}
}

// closeOnDone says goodbye to the server and closes conn once ctx ends.
// The returned channel is closed when that has happened.
func closeOnDone(ctx context.Context, conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	return closed
}

func (c *cli) commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	subject := fs.String("subject", "", "Token subject (operator or CI job name)")
	secret := fs.String("secret", c.cfg.JWTSecret, "HS256 signing secret (defaults to AUTH_JWT_SECRET)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	readOnly := fs.Bool("read-only", false, "Omit the write scope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}
	var scopes []string
	if !*readOnly {
		scopes = append(scopes, jwt.ScopeWrite)
	}
	token, err := jwt.GenerateToken(strings.TrimSpace(*subject), *secret, *ttl, scopes...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, token)
	return nil
}

// requireID accepts the id as -id or as the first positional argument.
func requireID(flagID int64, positional []string) (int64, error) {
	if flagID == 0 && len(positional) > 0 {
		parsed, err := strconv.ParseInt(positional[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid deployment id %q", positional[0])
		}
		flagID = parsed
	}
	if flagID == 0 {
		return 0, errors.New("--id is required")
	}
	return flagID, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `deployctl - manage deployment records

Usage:
  deployctl list [-name NAME] [-environment ENV]
  deployctl get -id ID
  deployctl create -name NAME -version VERSION -environment ENV
  deployctl update -id ID [-name NAME] [-version VERSION] [-environment ENV]
  deployctl delete -id ID
  deployctl watch [-environment ENV]
  deployctl health
  deployctl token -subject NAME [-ttl 24h] [-read-only]
  deployctl version

Every API command accepts -api URL, -token TOKEN and -json.
Defaults come from DEPLOYCTL_API_URL and DEPLOYCTL_TOKEN.`)
}
