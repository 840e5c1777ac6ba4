package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/pushchain/dxdirectory/dxClient/config"
)

// Output formats
const (
	OutputFormatYAML = "yaml"
	OutputFormatJSON = "json"
)

const (
	flagNode   = "node"
	flagOutput = "output"
)

// QueryResponse represents the standard query response format from HTTP API
type QueryResponse struct {
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorResponse represents an error response from HTTP API
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// QueryOutput is what query commands print.
type QueryOutput struct {
	Message   string      `yaml:"message" json:"message"`
	Data      interface{} `yaml:"data,omitempty" json:"data,omitempty"`
	Timestamp time.Time   `yaml:"timestamp" json:"timestamp"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "query",
		Aliases: []string{"q"},
		Short:   "Querying commands against a running node",
	}

	cmd.PersistentFlags().String(flagNode, "", "Query server URL (defaults to localhost and the configured port)")
	cmd.PersistentFlags().StringP(flagOutput, "o", OutputFormatYAML, "Output format (yaml|json)")

	cmd.AddCommand(
		statusCmd(),
		operationsCmd(),
		countCmd(),
		entriesCmd(),
		userEntriesCmd(),
		nonceCmd(),
		auditCmd(),
		submitCmd(),
	)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the directory and synchronization status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, http.MethodGet, "/api/v1/status", nil, "")
		},
	}
}

func operationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List the operations accepted by the request endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, http.MethodGet, "/api/v1/operations", nil, "")
		},
	}
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count the data entries on offer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, http.MethodGet, "/api/v1/entries/count", nil, "")
		},
	}
}

func entriesCmd() *cobra.Command {
	var (
		title            string
		gender           string
		ageLower         int
		ageUpper         int
		maxPrice         string
		userType         string
		userID           string
		includeWithdrawn bool
		limit            int
	)

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "Search data entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			setParam(params, "dataEntryTitle", title)
			setParam(params, "gender", gender)
			setParam(params, "maxPrice", maxPrice)
			setParam(params, "userType", userType)
			setParam(params, "userID", userID)
			if ageLower > 0 {
				params.Set("ageLowerBound", fmt.Sprint(ageLower))
			}
			if ageUpper > 0 {
				params.Set("ageUpperBound", fmt.Sprint(ageUpper))
			}
			if includeWithdrawn {
				params.Set("includeWithdrawn", "true")
			}
			if limit > 0 {
				params.Set("limit", fmt.Sprint(limit))
			}
			return runQuery(cmd, http.MethodGet, "/api/v1/entries?"+params.Encode(), nil, "")
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Substring of the entry title")
	cmd.Flags().StringVar(&gender, "gender", "", "Gender of the data subjects")
	cmd.Flags().IntVar(&ageLower, "age-lower", 0, "Minimum age covered by the entry")
	cmd.Flags().IntVar(&ageUpper, "age-upper", 0, "Maximum age covered by the entry")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "Maximum offer price")
	cmd.Flags().StringVar(&userType, "user-type", "", "Attach the caller's EAS and agreements (provider|consumer)")
	cmd.Flags().StringVar(&userID, "user-id", "", "User ID for --user-type")
	cmd.Flags().BoolVar(&includeWithdrawn, "include-withdrawn", false, "Include entries that are no longer offered")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries")
	return cmd
}

func userEntriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user-entries [user-type] [user-id]",
		Short: "List the entries a provider offers or a consumer negotiated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/users/%s/%s/entries", url.PathEscape(args[0]), url.PathEscape(args[1]))
			return runQuery(cmd, http.MethodGet, path, nil, "")
		},
	}
}

func nonceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nonce [address]",
		Short: "Show the pending transaction nonce of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, http.MethodGet, "/api/v1/nonce/"+url.PathEscape(args[0]), nil, "")
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		token       string
		certificate string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Retrieve the audit trail (auditor login token required)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("token is required")
			}
			params := url.Values{}
			setParam(params, "dataCertificate", certificate)
			if limit > 0 {
				params.Set("limit", fmt.Sprint(limit))
			}
			return runQuery(cmd, http.MethodGet, "/api/v1/audit?"+params.Encode(), nil, token)
		},
	}

	cmd.Flags().StringVar(&token, "token", os.Getenv("DXDIRECTORY_TOKEN"), "Bearer token returned by UserLogin")
	cmd.Flags().StringVar(&certificate, "certificate", "", "Restrict the trail to one data certificate")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of rows")
	return cmd
}

func submitCmd() *cobra.Command {
	var body string

	cmd := &cobra.Command{
		Use:   "submit [operation]",
		Short: "Post a request body to an operation (body '-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(body)
			if body == "-" {
				var err error
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read request body: %w", err)
				}
			}
			if !json.Valid(payload) {
				return fmt.Errorf("request body must be JSON")
			}
			return runQuery(cmd, http.MethodPost, "/api/v1/requests/"+url.PathEscape(args[0]), payload, "")
		},
	}

	cmd.Flags().StringVar(&body, "body", "{}", "JSON object with the operation fields")
	return cmd
}

func setParam(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

// runQuery calls the query server and prints the decoded response.
func runQuery(cmd *cobra.Command, method, path string, body []byte, token string) error {
	base, err := queryBaseURL(cmd)
	if err != nil {
		return err
	}
	outputFormat, _ := cmd.Flags().GetString(flagOutput)

	req, err := http.NewRequestWithContext(cmd.Context(), method, base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("server error (%s): %s", errResp.Code, errResp.Error)
	}

	var queryResp QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	output := QueryOutput{Message: queryResp.Message, Timestamp: queryResp.Timestamp}
	if len(queryResp.Data) > 0 {
		if err := json.Unmarshal(queryResp.Data, &output.Data); err != nil {
			return fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	return printOutput(cmd.OutOrStdout(), output, outputFormat)
}

func queryBaseURL(cmd *cobra.Command) (string, error) {
	if node, _ := cmd.Flags().GetString(flagNode); node != "" {
		return strings.TrimRight(node, "/"), nil
	}
	port, err := getQueryServerPort(homeDir(cmd))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://localhost:%d", port), nil
}

// printOutput prints the output in the specified format
func printOutput(w io.Writer, data interface{}, format string) error {
	switch format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(data)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// getQueryServerPort reads the query server port from the node's config.
func getQueryServerPort(home string) (int, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.QueryServerPort, nil
}
