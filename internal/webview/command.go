package webview

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/abdulrahman305/jetbrains/internal/logging"
	"github.com/abdulrahman305/jetbrains/internal/protocol"
)

const commandScheme = "command:"

// CommandURI is a parsed command: link.
type CommandURI struct {
	Command   string
	Arguments []any
}

// IsCommandURI reports whether raw uses the command: scheme.
func IsCommandURI(raw string) bool {
	return strings.HasPrefix(raw, commandScheme)
}

// ParseCommandURI parses command:<name>?<url-encoded json array>. Arguments
// that do not decode to a JSON array yield an empty list. ok is false when
// raw is not a command URI or names no command.
func ParseCommandURI(raw string) (CommandURI, bool) {
	if !IsCommandURI(raw) {
		return CommandURI{}, false
	}
	name, query, _ := strings.Cut(strings.TrimPrefix(raw, commandScheme), "?")
	if name == "" {
		return CommandURI{}, false
	}
	return CommandURI{Command: name, Arguments: parseCommandArguments(name, query)}, true
}

func parseCommandArguments(command, query string) []any {
	args := []any{}
	if query == "" {
		return args
	}
	decoded, err := url.QueryUnescape(query)
	if err != nil {
		logging.Debug().Err(err).Str("command", command).Msg("malformed command arguments")
		return args
	}
	if err := json.Unmarshal([]byte(decoded), &args); err != nil || args == nil {
		logging.Debug().Err(err).Str("command", command).Msg("malformed command arguments")
		return []any{}
	}
	return args
}

func commandAllowed(policy protocol.CommandURIPolicy, command string) bool {
	if policy.All {
		return true
	}
	for _, pattern := range policy.Allowed {
		if ok, err := doublestar.Match(pattern, command); err == nil && ok {
			return true
		}
	}
	return false
}
