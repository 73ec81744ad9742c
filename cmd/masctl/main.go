// Command masctl is the operator CLI for a running masd. Every
// subcommand is a thin JSON call against the HTTP control surface.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"mas/pkg/config"
	"mas/pkg/proto"
	"mas/pkg/version"
)

const defaultAddr = "http://127.0.0.1:8600"

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: masctl [-addr URL] <command> [args]

commands:
  agents                      list agents (-state, -capability filters)
  agent <id>                  show one agent
  register                    register an agent (-name, -capabilities)
  start|stop|restart <id>     lifecycle commands
  send                        send a message (-to, -kind, -payload, -priority, -policy)
  audit                       query the audit log (-actor, -kind, -status, -limit)
  dlq                         list dead-lettered messages
  snapshot                    metrics snapshot
  messages                    recent journal entries (-limit)
  version                     print version

Auth: password from MAS_API_PASSWORD, prompted when unset.
`)
}

func run(args []string) int {
	fs := flag.NewFlagSet("masctl", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "masd control surface base URL")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage()
		return 2
	}

	cmd, rest := rest[0], rest[1:]
	if cmd == "version" {
		fmt.Printf("masctl %s (%s, %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	cl, err := newClient(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "masctl: %v\n", err)
		return 1
	}

	if err := dispatch(cl, cmd, rest); err != nil {
		fmt.Fprintf(os.Stderr, "masctl: %v\n", err)
		return 1
	}
	return 0
}

func dispatch(cl *client, cmd string, args []string) error {
	switch cmd {
	case "agents":
		return cmdAgents(cl, args)
	case "agent":
		if len(args) != 1 {
			return fmt.Errorf("usage: masctl agent <id>")
		}
		return cl.get("/api/agents/"+url.PathEscape(args[0]), nil)
	case "register":
		return cmdRegister(cl, args)
	case "start", "stop", "restart":
		if len(args) != 1 {
			return fmt.Errorf("usage: masctl %s <id>", cmd)
		}
		return cl.post("/api/agents/"+url.PathEscape(args[0])+"/"+cmd, nil)
	case "send":
		return cmdSend(cl, args)
	case "audit":
		return cmdAudit(cl, args)
	case "dlq":
		return cl.get("/api/dlq", nil)
	case "snapshot":
		return cl.get("/api/snapshot", nil)
	case "messages":
		return cmdMessages(cl, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdAgents(cl *client, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	state := fs.String("state", "", "filter by lifecycle state")
	capability := fs.String("capability", "", "filter by capability tag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *state != "" {
		q.Set("state", *state)
	}
	if *capability != "" {
		q.Set("capability", *capability)
	}
	return cl.get("/api/agents", q)
}

func cmdRegister(cl *client, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	name := fs.String("name", "", "agent name (required)")
	caps := fs.String("capabilities", "", "comma-separated capability tags")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("register: -name is required")
	}
	body := map[string]any{"name": *name}
	if *caps != "" {
		body["capabilities"] = strings.Split(*caps, ",")
	}
	return cl.post("/api/agents", body)
}

func cmdSend(cl *client, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "recipient: agent id, cap:<tag>, or broadcast")
	kind := fs.String("kind", string(proto.KindEvent), "message kind")
	payload := fs.String("payload", "", "payload text")
	priority := fs.String("priority", "", "NORMAL or CRITICAL")
	policy := fs.String("policy", "", "capability resolve policy override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("send: -to is required")
	}
	msg := map[string]any{
		"kind": *kind,
		"from": proto.ExternalSender,
		"to":   *to,
	}
	if *payload != "" {
		msg["content_type"] = "text/plain"
		msg["payload"] = []byte(*payload)
	}
	if *priority != "" {
		msg["priority"] = strings.ToUpper(*priority)
	}
	body := map[string]any{"message": msg}
	if *policy != "" {
		body["policy"] = *policy
	}
	return cl.post("/api/send", body)
}

func cmdAudit(cl *client, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	actor := fs.String("actor", "", "filter by actor")
	kind := fs.String("kind", "", "filter by action category")
	status := fs.String("status", "", "filter by record status")
	limit := fs.Int("limit", 50, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	if *actor != "" {
		q.Set("actor", *actor)
	}
	if *kind != "" {
		q.Set("kind", *kind)
	}
	if *status != "" {
		q.Set("status", *status)
	}
	q.Set("limit", fmt.Sprint(*limit))
	return cl.get("/api/audit", q)
}

func cmdMessages(cl *client, args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	limit := fs.Int("limit", 100, "max entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("limit", fmt.Sprint(*limit))
	return cl.get("/api/messages", q)
}

// client wraps the authenticated HTTP calls and pretty-prints JSON
// responses.
type client struct {
	base     string
	password string
	http     *http.Client
}

func newClient(base string) (*client, error) {
	pw, err := apiPassword()
	if err != nil {
		return nil, err
	}
	return &client{
		base:     strings.TrimRight(base, "/"),
		password: pw,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiPassword reads MAS_API_PASSWORD, falling back to an interactive
// prompt on a terminal.
func apiPassword() (string, error) {
	if pw := os.Getenv(config.EnvAPIPassword); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(syscall.Stdin) {
		return "", fmt.Errorf("MAS_API_PASSWORD not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "API password: ")
	raw, err := term.ReadPassword(syscall.Stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

func (c *client) get(path string, q url.Values) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) post(path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *client) do(req *http.Request) error {
	req.SetBasicAuth("mas", c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
