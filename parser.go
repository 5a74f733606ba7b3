package rook

import "strings"

// Command is an SMTP verb with a dedicated handler.
type Command string

const (
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdHelp     Command = "HELP"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
)

// parseCommand splits a command line into verb and arguments. Verbs
// without a dedicated handler are returned upper-cased with known false.
func parseCommand(line string) (cmd Command, args string, known bool) {
	verb, rest, _ := strings.Cut(line, " ")
	cmd, known = canonicalizeVerb(verb)
	if !known {
		cmd = Command(strings.ToUpper(verb))
	}
	return cmd, strings.TrimSpace(rest), known
}

func canonicalizeVerb(verb string) (Command, bool) {
	switch len(verb) {
	case 4:
		for _, c := range [...]Command{CmdHelo, CmdEhlo, CmdMail, CmdRcpt, CmdData, CmdRset, CmdVrfy, CmdHelp, CmdNoop, CmdQuit, CmdAuth} {
			if strings.EqualFold(verb, string(c)) {
				return c, true
			}
		}
	case 8:
		if strings.EqualFold(verb, "STARTTLS") {
			return CmdStartTLS, true
		}
	}
	return "", false
}

// cutPrefixFold removes a case-insensitive prefix such as "FROM:".
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}
