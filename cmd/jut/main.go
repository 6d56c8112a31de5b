// jut is a command-line client for the Jut data engine.
//
//	jut run [flags] [PROGRAM]         run a Juttle program (from --file, the argument, or stdin)
//	jut link DEPLOYMENT PROGRAM [k=v] print a shareable link to a program
//	jut auth [flags]                  check the configured credentials
//
// Connection settings come from --config (YAML or JSON), then JUT_* environment
// variables, then flags.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/erauner12/jut-client/internal/config"
	"github.com/erauner12/jut-client/jut"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// errHelp stops a subcommand after pflag printed its usage
var errHelp = errors.New("help requested")

// usageError is reported with exit code 2
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "jut").Logger()

	// Pretty logging for local dev (only when explicitly set to "dev")
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, nil)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var usage usageError
	var cfgErr *jut.ConfigurationError
	switch {
	case errors.As(err, &usage), errors.As(err, &cfgErr):
		return 2
	default:
		return 1
	}
}

// run dispatches a subcommand. httpClient is nil outside tests.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, httpClient *http.Client) error {
	if len(args) == 0 {
		return usageError{msg: "usage: jut <run|link|auth> [flags]"}
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		err = runJob(ctx, rest, stdin, stdout, httpClient)
	case "link":
		err = printLink(rest, stdout)
	case "auth":
		err = checkAuth(ctx, rest, stdout, httpClient)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, "usage: jut <run|link|auth> [flags]")
	default:
		err = usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}
	if errors.Is(err, errHelp) {
		return nil
	}
	return err
}

// connectionFlags are shared by the subcommands that talk to the engine
type connectionFlags struct {
	configPath   string
	engineHost   string
	enginePort   string
	clientID     string
	clientSecret string
	tokenURL     string
	timeout      time.Duration
	logLevel     string
}

func (c *connectionFlags) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", env("JUT_CONFIG", ""), "path to a YAML or JSON settings file")
	fs.StringVar(&c.engineHost, "engine-host", "", "data engine host (*.jutdata.io)")
	fs.StringVar(&c.enginePort, "engine-port", "", fmt.Sprintf("data engine port (default %d)", config.DefaultEnginePort))
	fs.StringVar(&c.clientID, "client-id", "", "OAuth2 client id")
	fs.StringVar(&c.clientSecret, "client-secret", "", "OAuth2 client secret")
	fs.StringVar(&c.tokenURL, "token-url", jut.DefaultTokenURL, "OAuth2 token endpoint")
	fs.DurationVar(&c.timeout, "timeout", 60*time.Second, "per-request timeout")
	fs.StringVar(&c.logLevel, "log-level", env("LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
}

// update layers the settings file, the environment and explicitly set flags
func (c *connectionFlags) update(fs *pflag.FlagSet) (jut.Update, error) {
	var u jut.Update
	if c.configPath != "" {
		fileUpdate, err := config.FromFile(c.configPath)
		if err != nil {
			return jut.Update{}, err
		}
		u = fileUpdate
	}
	u = u.Merge(config.FromEnv())

	var flags jut.Update
	if fs.Changed("engine-host") {
		flags.EngineHost = jut.String(c.engineHost)
	}
	if fs.Changed("engine-port") {
		flags = flags.WithPortText(c.enginePort)
	}
	if fs.Changed("client-id") {
		flags.ClientID = jut.String(c.clientID)
	}
	if fs.Changed("client-secret") {
		flags.ClientSecret = jut.String(c.clientSecret)
	}
	return u.Merge(flags), nil
}

func (c *connectionFlags) client(fs *pflag.FlagSet, httpClient *http.Client) (*jut.Client, error) {
	level, err := zerolog.ParseLevel(c.logLevel)
	if err != nil {
		return nil, usageError{msg: fmt.Sprintf("invalid --log-level %q", c.logLevel)}
	}

	u, err := c.update(fs)
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.timeout}
	}
	return jut.New(u,
		jut.WithHTTPClient(httpClient),
		jut.WithLogger(log.Logger.Level(level)),
		jut.WithTokenURL(c.tokenURL),
	)
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp
		}
		return usageError{msg: err.Error()}
	}
	return nil
}

func runJob(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer, httpClient *http.Client) error {
	var conn connectionFlags
	var programFile string

	fs := pflag.NewFlagSet("jut run", pflag.ContinueOnError)
	conn.addFlags(fs)
	fs.StringVarP(&programFile, "file", "f", "", "read the Juttle program from this file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	program, err := readProgram(programFile, fs.Args(), stdin)
	if err != nil {
		return err
	}

	client, err := conn.client(fs, httpClient)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.RunJob(ctx, program)
	if err != nil {
		return err
	}
	return writeJSON(stdout, result.Raw)
}

func readProgram(path string, args []string, stdin io.Reader) (string, error) {
	switch {
	case path != "" && len(args) > 0:
		return "", usageError{msg: "give the program either with --file or as an argument, not both"}
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read program: %w", err)
		}
		return string(data), nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read program from stdin: %w", err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return "", usageError{msg: "no program given"}
		}
		return string(data), nil
	}
}

func writeJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		_, err := fmt.Fprintln(w, "{}")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printLink(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("jut link", pflag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return usageError{msg: "usage: jut link DEPLOYMENT PROGRAM [name=value ...]"}
	}

	params := make(map[string]string, len(rest)-2)
	for _, kv := range rest[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return usageError{msg: fmt.Sprintf("parameter %q is not in name=value form", kv)}
		}
		params[k] = v
	}

	_, err := fmt.Fprintln(stdout, jut.ProgramLink(rest[0], rest[1], params))
	return err
}

func checkAuth(ctx context.Context, args []string, stdout io.Writer, httpClient *http.Client) error {
	var conn connectionFlags

	fs := pflag.NewFlagSet("jut auth", pflag.ContinueOnError)
	conn.addFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	client, err := conn.client(fs, httpClient)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Authenticate(ctx); err != nil {
		return err
	}

	session := client.Session()
	_, err = fmt.Fprintf(stdout, "%s (token expires %s)\n", session.State, session.ExpiresAt.Format(time.RFC3339))
	return err
}
