package permission

import (
	"strings"
)

// Commands that may destroy data, change privileges or rewrite history.
// These always re-prompt in ask mode: "always allow" never whitelists them.
var dangerousCommands = map[string]bool{
	"rm":      true,
	"rmdir":   true,
	"sudo":    true,
	"doas":    true,
	"chmod":   true,
	"chown":   true,
	"dd":      true,
	"mkfs":    true,
	"kill":    true,
	"killall": true,
	"curl":    true,
	"wget":    true,
}

// Git subcommands that rewrite or destroy history.
var dangerousGitSubcommands = map[string]bool{
	"rebase": true,
	"reset":  true,
	"clean":  true,
	"push":   true, // only with --force; see BaseCommand
}

// Commands that fetch from the network. "Always allow" on these whitelists
// the request's domain, never the command itself.
var networkCommands = map[string]bool{
	"curl": true,
	"wget": true,
}

// Read-only commands auto-allowed in ask mode without prompting.
var readOnlyCommands = map[string]bool{
	"ls":     true,
	"cat":    true,
	"pwd":    true,
	"echo":   true,
	"head":   true,
	"tail":   true,
	"wc":     true,
	"which":  true,
	"whoami": true,
	"date":   true,
	"grep":   true,
	"rg":     true,
	"find":   true,
	"du":     true,
	"df":     true,
	"ps":     true,
	"env":    true,
	"file":   true,
	"stat":   true,
	"uname":  true,
}

// Read-only git subcommands.
var readOnlyGitSubcommands = map[string]bool{
	"status": true,
	"diff":   true,
	"log":    true,
	"show":   true,
	"branch": true,
	"remote": true,
	"blame":  true,
}

// shellSeparators split a compound command line into individual commands.
var shellSeparators = []string{"&&", "||", ";", "|"}

// splitCommands breaks a shell command line into its component commands.
// A compound line is only as safe as its least safe segment.
func splitCommands(line string) []string {
	segments := []string{line}
	for _, sep := range shellSeparators {
		var next []string
		for _, seg := range segments {
			for _, part := range strings.Split(seg, sep) {
				part = strings.TrimSpace(part)
				if part != "" {
					next = append(next, part)
				}
			}
		}
		segments = next
	}
	return segments
}

// BaseCommand extracts the whitelist key for a single command: the first
// token, or for git the first token plus subcommand ("git rebase"). A git
// push is only considered dangerous when forced, so the base for
// "git push --force" is "git push --force" while a plain push keys as
// "git push".
func BaseCommand(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	base := strings.ToLower(fields[0])
	if base != "git" || len(fields) < 2 {
		return base
	}
	sub := strings.ToLower(fields[1])
	if sub == "push" && hasForceFlag(fields[2:]) {
		return "git push --force"
	}
	return "git " + sub
}

func hasForceFlag(args []string) bool {
	for _, a := range args {
		if a == "--force" || a == "-f" || strings.HasPrefix(a, "--force-with-lease") {
			return true
		}
	}
	return false
}

// isDangerousCommand reports whether a single command is in the fixed
// dangerous set.
func isDangerousCommand(command string) bool {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return false
	}
	base := strings.ToLower(fields[0])
	if dangerousCommands[base] {
		return true
	}
	if base == "git" && len(fields) >= 2 {
		sub := strings.ToLower(fields[1])
		if !dangerousGitSubcommands[sub] {
			return false
		}
		if sub == "push" {
			return hasForceFlag(fields[2:])
		}
		if sub == "reset" {
			return hasHardFlag(fields[2:])
		}
		return true
	}
	return false
}

func hasHardFlag(args []string) bool {
	for _, a := range args {
		if a == "--hard" {
			return true
		}
	}
	return false
}

// isReadOnlyCommand reports whether a single command is in the fixed
// read-only set that never needs a prompt.
func isReadOnlyCommand(command string) bool {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return false
	}
	base := strings.ToLower(fields[0])
	if readOnlyCommands[base] {
		return true
	}
	if base == "git" && len(fields) >= 2 {
		return readOnlyGitSubcommands[strings.ToLower(fields[1])]
	}
	return false
}

// isNetworkCommand reports whether any segment of the command line fetches
// from the network.
func isNetworkCommand(command string) bool {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return false
	}
	return networkCommands[strings.ToLower(fields[0])]
}

// commandDomain extracts the host from the first URL-looking argument of a
// network command. Returns "" when no URL is present.
func commandDomain(command string) string {
	for _, f := range strings.Fields(command) {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			return hostOf(f)
		}
	}
	return ""
}

func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	for _, stop := range []string{"/", "?", "#"} {
		if i := strings.Index(s, stop); i >= 0 {
			s = s[:i]
		}
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}
