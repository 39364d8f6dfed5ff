package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	ws "pilot/internal/gateway/websocket"
)

func newChatCmd() *cobra.Command {
	var (
		sessionID string
		urlFlag   string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to the agent",
		Long: `Send a message through a running pilot gateway and stream the reply.

With no message argument and a terminal attached, starts an interactive
chat session. Permission requests are answered inline.`,
		Example: `  # Send a single message
  pilot chat "rename the Config struct"

  # Continue an existing session
  pilot chat -s abc123 "now add tests"

  # Interactive chat
  pilot chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := urlFlag
			if url == "" {
				url = wsURL()
			}
			if len(args) == 0 {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("no message given and stdin is not a terminal")
				}
				return runInteractiveChat(cmd, url, sessionID)
			}
			return runSingleChat(cmd, url, sessionID, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID to continue")
	cmd.Flags().StringVar(&urlFlag, "url", "", "gateway websocket URL (from config if unset)")
	return cmd
}

func wsURL() string {
	if loadedConfig == nil {
		return "ws://127.0.0.1:8791/ws"
	}
	return "ws://" + loadedConfig.Gateway.Addr() + "/ws"
}

// chatConn wraps one websocket connection to the gateway.
type chatConn struct {
	conn *websocket.Conn
	out  io.Writer
}

func dialChat(url string, out io.Writer) (*chatConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway: %w (is the server running? start it with: pilot serve)", err)
	}
	return &chatConn{conn: conn, out: out}, nil
}

func (c *chatConn) Close() error { return c.conn.Close() }

func (c *chatConn) send(msg ws.WSMessage) error {
	return c.conn.WriteJSON(msg)
}

// turnEvent mirrors the marshaled engine event envelope.
type turnEvent struct {
	Event   string `json:"event"`
	Status  string `json:"status"`
	Text    string `json:"text"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
	Error   string `json:"error"`
	Slug    string `json:"slug"`

	Permission *struct {
		RequestID string `json:"request_id"`
		ToolName  string `json:"tool_name"`
		Command   string `json:"command"`
	} `json:"permission"`

	TypedError *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"typed_error"`
}

// chat sends one message and renders events until the turn completes.
func (c *chatConn) chat(sessionID, message string, interactive bool) error {
	if err := c.send(ws.WSMessage{Type: ws.TypeSubscribe, Session: sessionID}); err != nil {
		return err
	}
	if err := c.send(ws.WSMessage{Type: ws.TypeChat, Session: sessionID, Message: message}); err != nil {
		return err
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read from gateway: %w", err)
		}

		var ev turnEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Event {
		case "text_delta":
			fmt.Fprint(c.out, ev.Text)
		case "text_complete":
			fmt.Fprintln(c.out)
		case "tool_start":
			fmt.Fprintf(c.out, "\n[%s]\n", ev.Name)
		case "tool_result":
			if ev.IsError {
				fmt.Fprintf(c.out, "[%s failed] %s\n", ev.Name, firstLine(ev.Content))
			}
		case "source_activated":
			fmt.Fprintf(c.out, "[tool source %s activated]\n", ev.Slug)
		case "permission_request":
			if ev.Permission == nil {
				continue
			}
			if err := c.answerPermission(sessionID, ev, interactive); err != nil {
				return err
			}
		case "typed_error":
			if ev.TypedError != nil {
				fmt.Fprintf(c.out, "\nerror (%s): %s\n", ev.TypedError.Kind, ev.TypedError.Message)
			}
		case "error":
			fmt.Fprintf(c.out, "\nerror: %s\n", ev.Error)
		case "status":
			if ev.Status == "interrupted" {
				fmt.Fprintln(c.out, "\n[interrupted]")
			}
		case "complete":
			fmt.Fprintln(c.out)
			return nil
		}
	}
}

// answerPermission prompts on the terminal, or denies when not interactive.
func (c *chatConn) answerPermission(sessionID string, ev turnEvent, interactive bool) error {
	req := ev.Permission
	detail := req.ToolName
	if req.Command != "" {
		detail = req.Command
	}

	allowed, always := false, false
	if interactive {
		fmt.Fprintf(c.out, "\nAllow %s? [y/N/a(lways)] ", detail)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			allowed = true
		case "a", "always":
			allowed, always = true, true
		}
	} else {
		fmt.Fprintf(c.out, "\n[denied %s: no terminal to ask]\n", detail)
	}

	return c.send(ws.WSMessage{
		Type:        ws.TypePermissionResponse,
		Session:     sessionID,
		RequestID:   req.RequestID,
		Allowed:     allowed,
		AlwaysAllow: always,
	})
}

func runSingleChat(cmd *cobra.Command, url, sessionID, message string) error {
	if sessionID == "" {
		id, err := createSession(serverURL())
		if err != nil {
			return err
		}
		sessionID = id
		defer fmt.Fprintf(cmd.OutOrStdout(), "(session: %s)\n", sessionID)
	}

	conn, err := dialChat(url, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer conn.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	return conn.chat(sessionID, message, interactive)
}

func runInteractiveChat(cmd *cobra.Command, url, sessionID string) error {
	out := cmd.OutOrStdout()
	if sessionID == "" {
		id, err := createSession(serverURL())
		if err != nil {
			return err
		}
		sessionID = id
	}
	fmt.Fprintf(out, "pilot chat (session %s)\n", sessionID)
	fmt.Fprintln(out, "Type 'exit' to quit.")
	fmt.Fprintln(out)

	conn, err := dialChat(url, out)
	if err != nil {
		return err
	}
	defer conn.Close()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}

		message := strings.TrimSpace(line)
		switch strings.ToLower(message) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := conn.chat(sessionID, message, true); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
