package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the ops commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	opsGatewayURL string
	opsAPIKey     string
	opsTimeout    int
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect and resolve pending operations",
	Long: `Inspect and resolve operations waiting for approval on a running
Mauzo server.

Examples:
  mauzo ops list
  mauzo ops approve 7f3c1a2e-...
  mauzo ops deny 7f3c1a2e-...

Exit codes:
  0  success
  1  request failure
  2  unauthorized or operation not approvable
  3  server unavailable`,
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations pending approval",
	RunE:  runOpsList,
}

var opsApproveCmd = &cobra.Command{
	Use:   "approve <operation-id>",
	Short: "Approve a pending operation and execute it",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsApprove,
}

var opsDenyCmd = &cobra.Command{
	Use:   "deny <operation-id>",
	Short: "Deny a pending operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsDeny,
}

func init() {
	opsCmd.PersistentFlags().StringVar(&opsGatewayURL, "gateway-url", "http://localhost:8080", "server HTTP API URL")
	opsCmd.PersistentFlags().StringVar(&opsAPIKey, "api-key", "", "API key for authentication (or MAUZO_API_KEY env)")
	opsCmd.PersistentFlags().IntVar(&opsTimeout, "timeout", 30, "timeout in seconds")
	opsCmd.AddCommand(opsListCmd, opsApproveCmd, opsDenyCmd)
}

func opsRequest(method, path string, out any) {
	apiKey := goutils.Env("MAUZO_API_KEY", opsAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set MAUZO_API_KEY)")
		os.Exit(ExitDenied)
	}
	gatewayURL := goutils.Env("MAUZO_GATEWAY_URL", opsGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opsTimeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, gatewayURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid response: %v\n", err)
			os.Exit(ExitFailure)
		}
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)
	case http.StatusNotFound:
		fmt.Fprintln(os.Stderr, "Error: operation not found")
		os.Exit(ExitFailure)
	case http.StatusGone:
		fmt.Fprintln(os.Stderr, "Error: operation expired")
		os.Exit(ExitDenied)
	case http.StatusConflict:
		fmt.Fprintln(os.Stderr, "Error: operation already resolved")
		os.Exit(ExitDenied)
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitDenied)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)
	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}
}

func runOpsList(_ *cobra.Command, _ []string) error {
	var previews []struct {
		OperationID  string    `json:"operation_id"`
		ToolName     string    `json:"tool_name"`
		TargetSystem string    `json:"target_system"`
		Operation    string    `json:"operation"`
		ExpiresAt    time.Time `json:"expires_at"`
	}
	opsRequest("GET", "/v1/operations", &previews)

	if len(previews) == 0 {
		fmt.Println("No operations pending approval.")
		return nil
	}
	for _, p := range previews {
		target := p.TargetSystem
		if target == "" {
			target = "-"
		}
		fmt.Printf("%s  %-20s  target=%s  expires=%s\n",
			p.OperationID, p.ToolName, target, p.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runOpsApprove(_ *cobra.Command, args []string) error {
	var result struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"error_message"`
		SuccessCount int    `json:"success_count"`
		FailureCount int    `json:"failure_count"`
	}
	opsRequest("POST", "/v1/operations/"+args[0]+"/approve", &result)

	if !result.Success {
		fmt.Fprintf(os.Stderr, "Operation executed with errors: %s\n", result.ErrorMessage)
		os.Exit(ExitFailure)
	}
	if result.SuccessCount > 0 || result.FailureCount > 0 {
		fmt.Printf("Approved and executed: %d succeeded, %d failed.\n",
			result.SuccessCount, result.FailureCount)
		return nil
	}
	fmt.Println("Approved and executed.")
	return nil
}

func runOpsDeny(_ *cobra.Command, args []string) error {
	var result struct {
		OperationID string `json:"operation_id"`
		Status      string `json:"status"`
	}
	opsRequest("POST", "/v1/operations/"+args[0]+"/deny", &result)

	fmt.Printf("Operation %s %s.\n", result.OperationID, result.Status)
	return nil
}
