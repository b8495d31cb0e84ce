package agentlink

import (
	"regexp"
	"strings"

	"github.com/circlesabound/fctrl/shared/protocol"
)

// ClassifyStdoutTags implements §4.9's inbound frame tagging for
// AgentStreamingMessage frames: every classified stdout line is published
// under one or more topic tags so OperationRouter, RpcHandler and any other
// subscriber can filter on exactly the category they care about. This
// mirrors the agent's own stdoutclassifier (same patterns, same precedence:
// ChatDiscordEcho before Chat) since both sides observe the identical raw
// server output -- it is reimplemented here rather than imported across
// modules, since agent and server are intentionally separate Go modules
// with no shared internal dependency between them.
//
// ServerState transitions are double-tagged under both "stdout" (generic
// log category) and "serverstate" (dedicated topic), by design -- see the
// specification's notes on why this duplication is intentional rather than
// an oversight.
func ClassifyStdoutTags(agentAddress, line string) map[string]string {
	body := timestampPrefix.ReplaceAllString(line, "")
	base := map[string]string{"agent": agentAddress}

	if chatDiscordEchoPattern.MatchString(body) {
		base["stdout"] = "chat_discord_echo"
		return base
	}
	if m := chatPattern.FindStringSubmatch(body); m != nil {
		base["stdout"] = "chat"
		base["chat"] = strings.TrimSpace(m[1]) + ": " + m[2]
		return base
	}
	if m := joinPattern.FindStringSubmatch(body); m != nil {
		base["stdout"] = "joinleave"
		base["join"] = m[1]
		return base
	}
	if m := leavePattern.FindStringSubmatch(body); m != nil {
		base["stdout"] = "joinleave"
		base["leave"] = m[1]
		return base
	}
	if m := rpcPattern.FindStringSubmatch(body); m != nil {
		base["stdout"] = "rpc"
		base["rpc"] = m[1]
		return base
	}
	if m := stateChangePattern.FindStringSubmatch(body); m != nil {
		if _, okFrom := protocol.ParseServerState(m[1]); okFrom {
			if _, okTo := protocol.ParseServerState(m[2]); okTo {
				base["stdout"] = "system_log"
				base["serverstate"] = m[1] + " " + m[2]
				return base
			}
		}
		// Unknown identifiers: fall through to system_log only, matching the
		// agent-side classifier's refusal to treat them as a state change.
	}

	base["stdout"] = "system_log"
	return base
}

var (
	timestampPrefix        = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} `)
	chatDiscordEchoPattern = regexp.MustCompile(`^\[DISCORD-ECHO\] (.+)$`)
	chatPattern            = regexp.MustCompile(`^\[CHAT\] ([^:]+): (.*)$`)
	joinPattern            = regexp.MustCompile(`^\[JOIN\] (\S+) joined the game$`)
	leavePattern           = regexp.MustCompile(`^\[LEAVE\] (\S+) left the game$`)
	rpcPattern             = regexp.MustCompile(`^\[RPC\] (.*)$`)
	stateChangePattern     = regexp.MustCompile(`^changing state from\(([A-Za-z]+)\) to\(([A-Za-z]+)\)$`)
)
