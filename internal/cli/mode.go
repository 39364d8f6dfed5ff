package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode <session-id>",
		Short: "Show a session's permission mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showMode(cmd, args[0])
		},
	}
	cmd.AddCommand(newModeCycleCmd())
	return cmd
}

func newModeCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle <session-id>",
		Short: "Cycle the permission mode (ask, allow-all, safe)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Post(serverURL()+"/api/sessions/"+args[0]+"/mode/cycle", "application/json", nil)
			if err != nil {
				return gatewayErr(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return statusErr(resp)
			}
			return printMode(cmd, resp)
		},
	}
}

func showMode(cmd *cobra.Command, sessionID string) error {
	resp, err := httpClient.Get(serverURL() + "/api/sessions/" + sessionID + "/mode")
	if err != nil {
		return gatewayErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusErr(resp)
	}
	return printMode(cmd, resp)
}

func printMode(cmd *cobra.Command, resp *http.Response) error {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), body.Mode)
	return nil
}
