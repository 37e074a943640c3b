package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codepair/internal/auth"
)

const (
	keyServer    = "server"
	keyToken     = "token"
	keySecret    = "jwt_secret"
	keyIssuer    = "issuer"
	keyTimeout   = "timeout"
	configName   = ".codepair"
	envPrefix    = "CODEPAIR"
	requestLimit = 70 * time.Second
)

var (
	cfg *viper.Viper

	language  string
	sessionID string
	priority  int
	watch     bool

	subject     string
	displayName string
	role        string
	ttl         time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "codepair",
		Short: "CLI client for the codepair collaboration service",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().String(keyServer, "http://localhost:8080", "Server URL")
	root.PersistentFlags().String(keyToken, "", "Bearer token (or CODEPAIR_TOKEN)")

	execCmd := &cobra.Command{
		Use:   "exec [file]",
		Short: "Run code synchronously; reads stdin when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execCmd.Flags().Duration(keyTimeout, 0, "Run timeout (server default when zero)")
	root.AddCommand(execCmd)

	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Queue code for execution and print the job id",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	submitCmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session that receives the result")
	submitCmd.Flags().IntVarP(&priority, "priority", "p", 0, "Higher runs first")
	submitCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream state changes until the job finishes")
	submitCmd.Flags().Duration(keyTimeout, 0, "Run timeout (server default when zero)")
	root.AddCommand(submitCmd)

	statusCmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if watch {
				return streamJob(args[0])
			}
			return call(http.MethodGet, "/jobs/"+args[0], nil)
		},
	}
	statusCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream state changes until the job finishes")
	root.AddCommand(statusCmd)

	root.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/jobs/"+args[0], nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "session <session-id>",
		Short: "Show a session snapshot with its recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/sessions/"+args[0], nil)
		},
	})

	executionsCmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent executions from the audit log",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := "/executions"
			if sessionID != "" {
				path += "?session_id=" + sessionID
			}
			return call(http.MethodGet, path, nil)
		},
	}
	executionsCmd.Flags().StringVarP(&sessionID, "session", "s", "", "Only this session")
	root.AddCommand(executionsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/health", nil)
		},
	})

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development token with the shared secret",
		RunE:  runToken,
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "User id (required)")
	tokenCmd.Flags().StringVar(&displayName, "name", "", "Display name")
	tokenCmd.Flags().StringVar(&role, "role", "", "Role claim")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	tokenCmd.Flags().String(keySecret, "", "Signing secret (or CODEPAIR_JWT_SECRET)")
	tokenCmd.Flags().String(keyIssuer, "codepair", "Token issuer")
	root.AddCommand(tokenCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers flags over CODEPAIR_* env over ~/.codepair.yaml.
func loadConfig(cmd *cobra.Command) error {
	cfg = viper.New()
	cfg.SetConfigName(configName)
	cfg.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		cfg.AddConfigPath(home)
	}
	cfg.SetEnvPrefix(envPrefix)
	cfg.AutomaticEnv()

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	if err := cfg.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

func runExec(_ *cobra.Command, args []string) error {
	code, lang, err := readSource(args)
	if err != nil {
		return err
	}
	payload := map[string]any{"code": code, "language": lang}
	if d := cfg.GetDuration(keyTimeout); d > 0 {
		payload["timeout"] = d.String()
	}

	var result struct {
		Status   string `json:"status"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}
	status, body, err := do(http.MethodPost, "/execute", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		printJSON(body)
		return fmt.Errorf("server returned %d", status)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Print(result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	if result.Status != "ok" {
		fmt.Fprintf(os.Stderr, "[%s]\n", result.Status)
	}
	// Exit with the program's exit code.
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

func runSubmit(_ *cobra.Command, args []string) error {
	code, lang, err := readSource(args)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"code":       code,
		"language":   lang,
		"session_id": sessionID,
		"priority":   priority,
	}
	if d := cfg.GetDuration(keyTimeout); d > 0 {
		payload["timeout"] = d.String()
	}

	status, body, err := do(http.MethodPost, "/jobs", payload)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		printJSON(body)
		return fmt.Errorf("server returned %d", status)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Println(accepted.JobID)

	if watch {
		return streamJob(accepted.JobID)
	}
	return nil
}

// streamJob follows the job's event stream and prints each state, then the
// final job as JSON.
func streamJob(id string) error {
	req, err := newRequest(http.MethodGet, "/jobs/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		printJSON(body)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	event := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "done":
				printJSON([]byte(data))
				return nil
			case "error":
				return errors.New(data)
			default:
				fmt.Fprintln(os.Stderr, data)
			}
		}
	}
	return scanner.Err()
}

func runToken(_ *cobra.Command, _ []string) error {
	secret := cfg.GetString(keySecret)
	if secret == "" {
		return errors.New("a signing secret is required (--jwt_secret or CODEPAIR_JWT_SECRET)")
	}
	issuer := auth.NewIssuer([]byte(secret), cfg.GetString(keyIssuer), ttl)
	token, exp, err := issuer.Issue(auth.Identity{SubjectID: subject, DisplayName: displayName, Role: role})
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}

func readSource(args []string) (code, lang string, err error) {
	lang = language
	if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", "", fmt.Errorf("reading stdin: %w", err)
		}
		if lang == "" {
			return "", "", errors.New("--language is required when reading stdin")
		}
		return string(data), lang, nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", "", fmt.Errorf("reading file: %w", err)
	}
	if lang == "" {
		switch ext := filepath.Ext(args[0]); ext {
		case ".py":
			lang = "python"
		case ".js":
			lang = "javascript"
		case ".sh":
			lang = "bash"
		case ".go":
			lang = "go"
		case ".cpp", ".cc":
			lang = "cpp"
		case ".java":
			lang = "java"
		default:
			return "", "", fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}
	return string(data), lang, nil
}

func newRequest(method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(cfg.GetString(keyServer), "/")+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := cfg.GetString(keyToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func do(method, path string, payload any) (int, []byte, error) {
	req, err := newRequest(method, path, payload)
	if err != nil {
		return 0, nil, err
	}
	client := &http.Client{Timeout: requestLimit}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// call prints the response body and fails on non-2xx statuses.
func call(method, path string, payload any) error {
	status, body, err := do(method, path, payload)
	if err != nil {
		return err
	}
	printJSON(body)
	if status < 200 || status > 299 {
		return fmt.Errorf("server returned %d", status)
	}
	return nil
}

func printJSON(body []byte) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return
	}
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
