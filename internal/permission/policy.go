package permission

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pilot/pkg/logger"
)

// Verdict is the outcome of classifying a tool call.
type Verdict int

const (
	// VerdictAllow dispatches the call without prompting.
	VerdictAllow Verdict = iota
	// VerdictAsk requires an interactive decision before dispatch.
	VerdictAsk
	// VerdictDeny blocks the call without prompting.
	VerdictDeny
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictAsk:
		return "ask"
	case VerdictDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Decision carries the verdict plus the context needed to act on an
// "always allow" resolution later.
type Decision struct {
	Verdict Verdict
	Reason  string

	// Command is the shell command line being classified, if any.
	Command string
	// BaseCommand is the whitelist key for the command ("rm", "git rebase").
	BaseCommand string
	// Domain is set for network fetches; "always allow" whitelists it
	// instead of the command.
	Domain string
	// Dangerous marks calls that must re-prompt on every invocation.
	Dangerous bool
}

// Tools the policy knows to be read-only.
var readOnlyTools = map[string]bool{
	"read_file": true,
	"list_dir":  true,
	"grep":      true,
	"glob":      true,
}

// Tools that mutate the workspace.
var mutatingTools = map[string]bool{
	"write_file": true,
	"edit_file":  true,
}

const (
	shellToolName = "shell"
	httpToolName  = "http"
)

// shellInput is the subset of shell tool input the policy inspects.
type shellInput struct {
	Command string `json:"command"`
}

// httpInput is the subset of http tool input the policy inspects.
type httpInput struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// Policy holds the permission state for one session: the current mode and
// the session-scoped command/domain whitelists. Instances are never shared
// across sessions.
type Policy struct {
	mu       sync.RWMutex
	mode     Mode
	doc      *Document
	commands map[string]bool // lowercased base commands
	domains  map[string]bool // lowercased domains
}

// NewPolicy creates a Policy in the given mode consulting doc in allow-all
// mode. A nil doc behaves as an empty blacklist.
func NewPolicy(mode Mode, doc *Document) *Policy {
	if !mode.Valid() {
		mode = ModeAsk
	}
	if doc == nil {
		doc = &Document{}
	}
	return &Policy{
		mode:     mode,
		doc:      doc,
		commands: make(map[string]bool),
		domains:  make(map[string]bool),
	}
}

// Mode returns the current permission mode.
func (p *Policy) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SetMode sets the permission mode.
func (p *Policy) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("permission: invalid mode %q", m)
	}
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
	logger.Info().Str("mode", string(m)).Msg("permission mode set")
	return nil
}

// CycleMode advances the mode along the fixed cycle order and returns the
// new mode.
func (p *Policy) CycleMode() Mode {
	p.mu.Lock()
	p.mode = p.mode.Next()
	m := p.mode
	p.mu.Unlock()
	logger.Info().Str("mode", string(m)).Msg("permission mode cycled")
	return m
}

// WhitelistCommand whitelists a base command for the rest of the session.
// Dangerous commands are silently ignored: they must re-prompt every time.
func (p *Policy) WhitelistCommand(base string) {
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" || isDangerousCommand(base) {
		return
	}
	p.mu.Lock()
	p.commands[base] = true
	p.mu.Unlock()
}

// WhitelistDomain whitelists a network domain for the rest of the session.
func (p *Policy) WhitelistDomain(domain string) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return
	}
	p.mu.Lock()
	p.domains[domain] = true
	p.mu.Unlock()
}

// WhitelistedCommands returns a sorted snapshot of whitelisted commands.
func (p *Policy) WhitelistedCommands() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.commands)
}

// WhitelistedDomains returns a sorted snapshot of whitelisted domains.
func (p *Policy) WhitelistedDomains() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.domains)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Policy) commandWhitelisted(base string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.commands[strings.ToLower(base)]
}

func (p *Policy) domainWhitelisted(domain string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.domains[strings.ToLower(domain)]
}

// Classify decides whether a tool call is allowed, denied, or needs an
// interactive decision under the current mode.
func (p *Policy) Classify(toolName string, input json.RawMessage) Decision {
	mode := p.Mode()
	name := strings.ToLower(strings.TrimSpace(toolName))

	if mode == ModeAllowAll {
		if p.doc.Denies(name) {
			return Decision{
				Verdict: VerdictDeny,
				Reason:  fmt.Sprintf("tool %q is blacklisted by the policy document", toolName),
			}
		}
		return Decision{Verdict: VerdictAllow, Reason: "allow-all mode"}
	}

	switch {
	case readOnlyTools[name]:
		return Decision{Verdict: VerdictAllow, Reason: "read-only tool"}
	case name == shellToolName:
		return p.classifyShell(mode, input)
	case name == httpToolName:
		return p.classifyHTTP(mode, input)
	case mutatingTools[name]:
		return p.classifyMutating(mode, name)
	default:
		// Unknown tools are treated as risky.
		return p.classifyMutating(mode, name)
	}
}

func (p *Policy) classifyShell(mode Mode, input json.RawMessage) Decision {
	var in shellInput
	if err := json.Unmarshal(input, &in); err != nil || strings.TrimSpace(in.Command) == "" {
		if mode == ModeSafe {
			return Decision{Verdict: VerdictDeny, Reason: "read-only mode blocks shell commands without a parseable command"}
		}
		return Decision{Verdict: VerdictAsk, Reason: "unparseable shell input"}
	}

	segments := splitCommands(in.Command)

	// A compound line is only as safe as its least safe segment.
	var risky []string
	dangerous := false
	for _, seg := range segments {
		if isDangerousCommand(seg) {
			dangerous = true
		}
		if !isReadOnlyCommand(seg) {
			risky = append(risky, seg)
		}
	}

	base := BaseCommand(segments[0])
	if len(risky) > 0 {
		base = BaseCommand(risky[0])
	}
	d := Decision{Command: in.Command, BaseCommand: base, Dangerous: dangerous}
	if len(risky) > 0 && isNetworkCommand(risky[0]) {
		d.Domain = commandDomain(risky[0])
	}

	if len(risky) == 0 && !dangerous {
		d.Verdict = VerdictAllow
		d.Reason = "read-only command"
		return d
	}

	if mode == ModeSafe {
		d.Verdict = VerdictDeny
		d.Reason = fmt.Sprintf("read-only mode blocks command %q", base)
		return d
	}

	if dangerous {
		if d.Domain != "" && p.domainWhitelisted(d.Domain) {
			d.Verdict = VerdictAllow
			d.Reason = fmt.Sprintf("domain %q whitelisted for this session", d.Domain)
			return d
		}
		d.Verdict = VerdictAsk
		d.Reason = fmt.Sprintf("command %q requires approval on every use", base)
		return d
	}

	allWhitelisted := true
	for _, seg := range risky {
		if !p.commandWhitelisted(BaseCommand(seg)) {
			allWhitelisted = false
			break
		}
	}
	if allWhitelisted {
		d.Verdict = VerdictAllow
		d.Reason = fmt.Sprintf("command %q whitelisted for this session", base)
		return d
	}

	d.Verdict = VerdictAsk
	d.Reason = fmt.Sprintf("command %q needs approval", base)
	return d
}

func (p *Policy) classifyHTTP(mode Mode, input json.RawMessage) Decision {
	var in httpInput
	_ = json.Unmarshal(input, &in)
	domain := hostOf(in.URL)

	method := strings.ToUpper(in.Method)
	readOnly := method == "" || method == "GET" || method == "HEAD"

	d := Decision{Domain: domain}
	switch {
	case mode == ModeSafe && !readOnly:
		d.Verdict = VerdictDeny
		d.Reason = fmt.Sprintf("read-only mode blocks %s requests", method)
	case readOnly, p.domainWhitelisted(domain):
		d.Verdict = VerdictAllow
		d.Reason = "network read"
		if p.domainWhitelisted(domain) {
			d.Reason = fmt.Sprintf("domain %q whitelisted for this session", domain)
		}
	default:
		d.Verdict = VerdictAsk
		d.Reason = fmt.Sprintf("request to %q needs approval", domain)
	}
	return d
}

func (p *Policy) classifyMutating(mode Mode, name string) Decision {
	if mode == ModeSafe {
		return Decision{
			Verdict: VerdictDeny,
			Reason:  fmt.Sprintf("read-only mode blocks tool %q", name),
		}
	}
	if p.commandWhitelisted(name) {
		return Decision{
			Verdict:     VerdictAllow,
			Reason:      fmt.Sprintf("tool %q whitelisted for this session", name),
			BaseCommand: name,
		}
	}
	return Decision{
		Verdict:     VerdictAsk,
		Reason:      fmt.Sprintf("tool %q needs approval", name),
		BaseCommand: name,
	}
}
