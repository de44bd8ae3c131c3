package nlqueryctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stdout  io.Writer
	answer  bool
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	stdin := defaults.Stdin
	if stdin == nil {
		stdin = strings.NewReader("")
	}

	c := &client{stdout: stdout}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "nlqueryctl",
		Short:         "Ask questions of an nlquery API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.http = defaults.HTTPClient
			if c.http == nil {
				c.http = &http.Client{Timeout: timeout}
			}
			c.baseURL = strings.TrimRight(c.baseURL, "/")
		},
	}
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "nlquery API base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 90s)")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd.Context(), http.MethodGet, "/v1/health", nil)
			},
		},
		&cobra.Command{
			Use:   "ready",
			Short: "GET /v1/ready",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd.Context(), http.MethodGet, "/v1/ready", nil)
			},
		},
		&cobra.Command{
			Use:   "schema [table]",
			Short: "List tables or describe one table",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "/v1/schema"
				if len(args) == 1 {
					path += "/" + url.PathEscape(args[0])
				}
				return c.call(cmd.Context(), http.MethodGet, path, nil)
			},
		},
		askCommand(c),
		batchCommand(c),
		toolCommand(c),
	)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		_, _ = fmt.Fprintln(stderr, exit.err)
		return exit.code
	}
	_, _ = fmt.Fprintln(stderr, err)
	return 2
}

func askCommand(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "POST /v1/ask",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question must not be blank")
			}
			return c.call(cmd.Context(), http.MethodPost, "/v1/ask", map[string]any{"question": question})
		},
	}
	cmd.Flags().BoolVar(&c.answer, "answer-only", false, "print only the answer text")
	return cmd
}

func batchCommand(c *client) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "batch [question...]",
		Short: "POST /v1/ask/batch; reads one question per line from --file or stdin when no arguments are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			questions := args
			if len(questions) == 0 {
				var in io.Reader = cmd.InOrStdin()
				if file != "" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer func() { _ = f.Close() }()
					in = f
				}
				read, err := readLines(in)
				if err != nil {
					return err
				}
				questions = read
			}
			if len(questions) == 0 {
				return errors.New("no questions given")
			}
			return c.call(cmd.Context(), http.MethodPost, "/v1/ask/batch", map[string]any{"questions": questions})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file with one question per line")
	return cmd
}

func toolCommand(c *client) *cobra.Command {
	var pairs []string
	cmd := &cobra.Command{
		Use:   "tool <name>",
		Short: "POST /v1/tools/{name} with --arg key=value pairs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := parseToolArgs(pairs)
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), http.MethodPost, "/v1/tools/"+url.PathEscape(args[0]), map[string]any{"args": toolArgs})
		},
	}
	cmd.Flags().StringArrayVar(&pairs, "arg", nil, "tool argument as key=value; JSON values such as numbers are decoded")
	return cmd
}

// parseToolArgs decodes each value as JSON when possible so "limit=5" is a
// number while "region=EMEA" stays a string.
func parseToolArgs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}

func (c *client) call(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return &exitError{code: 1, err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	if c.answer {
		var session struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(raw, &session); err == nil {
			_, _ = fmt.Fprintln(c.stdout, session.Answer)
			return nil
		}
	}
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(c.stdout, pretty)
		return nil
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(c.stdout, string(raw))
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
