package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pilot/internal/session"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
	}
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionNewCmd())
	cmd.AddCommand(newSessionDeleteCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Get(serverURL() + "/api/sessions")
			if err != nil {
				return gatewayErr(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return statusErr(resp)
			}

			var sessions []session.Session
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODE\tUPDATED")
			for _, s := range sessions {
				title := s.Title
				if title == "" {
					title = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					s.ID, title, s.PermissionMode, s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newSessionNewCmd() *cobra.Command {
	var (
		title      string
		workingDir string
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := createSessionWith(serverURL(), title, workingDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "session title")
	cmd.Flags().StringVarP(&workingDir, "dir", "d", "", "working directory")
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, serverURL()+"/api/sessions/"+args[0], nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return gatewayErr(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return statusErr(resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func createSession(base string) (string, error) {
	return createSessionWith(base, "", "")
}

func createSessionWith(base, title, workingDir string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"title":       title,
		"working_dir": workingDir,
	})
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Post(base+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", gatewayErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", statusErr(resp)
	}

	var created session.Session
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func gatewayErr(err error) error {
	return fmt.Errorf("gateway unreachable: %w (start it with: pilot serve)", err)
}

func statusErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
