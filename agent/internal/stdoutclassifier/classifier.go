// Package stdoutclassifier implements the pure function that turns one line
// of the server's stdout into a tagged event category. It holds no state of
// its own -- ProcessSupervisor owns the ServerState and player-count that
// are updated in response to a classification result.
package stdoutclassifier

import (
	"regexp"
	"strings"

	"github.com/circlesabound/fctrl/shared/protocol"
)

// Category identifies the kind of line that was classified.
type Category string

const (
	CategoryChatDiscordEcho Category = "ChatDiscordEcho"
	CategoryChat            Category = "Chat"
	CategoryJoin            Category = "Join"
	CategoryLeave           Category = "Leave"
	CategoryRpc             Category = "Rpc"
	CategoryServerState     Category = "ServerState"
	CategorySystemLog       Category = "SystemLog"
)

// Result is the outcome of classifying a single stdout line.
type Result struct {
	Category Category
	User     string // Chat, Join, Leave
	Msg      string // Chat
	Payload  string // Rpc: the raw command payload
	From     protocol.ServerState
	To       protocol.ServerState
}

// Lines are timestamped "YYYY-MM-DD HH:MM:SS ..." by the server; the
// timestamp itself carries no classification information and is stripped
// before matching.
var timestampPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} `)

var (
	chatDiscordEchoPattern = regexp.MustCompile(`^\[DISCORD-ECHO\] (.+)$`)
	chatPattern            = regexp.MustCompile(`^\[CHAT\] ([^:]+): (.*)$`)
	joinPattern            = regexp.MustCompile(`^\[JOIN\] (\S+) joined the game$`)
	leavePattern           = regexp.MustCompile(`^\[LEAVE\] (\S+) left the game$`)
	rpcPattern             = regexp.MustCompile(`^\[RPC\] (.*)$`)
	stateChangePattern     = regexp.MustCompile(`^changing state from\(([A-Za-z]+)\) to\(([A-Za-z]+)\)$`)
)

// Classify returns the tagged category for a single raw stdout line.
//
// Matching order matters: ChatDiscordEcho is tried before Chat so that a
// bridged echo of a chat line is never double-counted as a fresh chat
// message (see the edge case in the specification). A state-change line
// whose identifiers do not parse into the closed ServerState set is
// reclassified SystemLog rather than erroring.
func Classify(line string) Result {
	body := timestampPrefix.ReplaceAllString(line, "")

	if m := chatDiscordEchoPattern.FindStringSubmatch(body); m != nil {
		return Result{Category: CategoryChatDiscordEcho}
	}
	if m := chatPattern.FindStringSubmatch(body); m != nil {
		return Result{Category: CategoryChat, User: strings.TrimSpace(m[1]), Msg: m[2]}
	}
	if m := joinPattern.FindStringSubmatch(body); m != nil {
		return Result{Category: CategoryJoin, User: m[1]}
	}
	if m := leavePattern.FindStringSubmatch(body); m != nil {
		return Result{Category: CategoryLeave, User: m[1]}
	}
	if m := rpcPattern.FindStringSubmatch(body); m != nil {
		return Result{Category: CategoryRpc, Payload: m[1]}
	}
	if m := stateChangePattern.FindStringSubmatch(body); m != nil {
		from, okFrom := protocol.ParseServerState(m[1])
		to, okTo := protocol.ParseServerState(m[2])
		if okFrom && okTo {
			return Result{Category: CategoryServerState, From: from, To: to}
		}
		// Unknown identifiers: fall through to SystemLog without touching
		// ServerState.
	}

	return Result{Category: CategorySystemLog}
}
