package agentlink

import (
	"reflect"
	"testing"
)

func TestClassifyStdoutTags(t *testing.T) {
	cases := []struct {
		name string
		line string
		want map[string]string
	}{
		{
			name: "chat",
			line: "2024-01-01 00:00:00 [CHAT] player1: hello",
			want: map[string]string{"agent": "a1", "stdout": "chat", "chat": "player1: hello"},
		},
		{
			name: "discord echo before chat",
			line: "2024-01-01 00:00:00 [DISCORD-ECHO] player1: hello",
			want: map[string]string{"agent": "a1", "stdout": "chat_discord_echo"},
		},
		{
			name: "join",
			line: "[JOIN] player1 joined the game",
			want: map[string]string{"agent": "a1", "stdout": "joinleave", "join": "player1"},
		},
		{
			name: "leave",
			line: "[LEAVE] player1 left the game",
			want: map[string]string{"agent": "a1", "stdout": "joinleave", "leave": "player1"},
		},
		{
			name: "rpc",
			line: "[RPC] {\"foo\":1}",
			want: map[string]string{"agent": "a1", "stdout": "rpc", "rpc": "{\"foo\":1}"},
		},
		{
			name: "state change double tags stdout and serverstate",
			line: "changing state from(Ready) to(PreparedToHostGame)",
			want: map[string]string{"agent": "a1", "stdout": "system_log", "serverstate": "Ready PreparedToHostGame"},
		},
		{
			name: "unknown state identifiers fall back to system_log only",
			line: "changing state from(Bogus) to(AlsoBogus)",
			want: map[string]string{"agent": "a1", "stdout": "system_log"},
		},
		{
			name: "unrecognised line is system_log",
			line: "some other output",
			want: map[string]string{"agent": "a1", "stdout": "system_log"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyStdoutTags("a1", tc.line)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ClassifyStdoutTags(%q) = %v, want %v", tc.line, got, tc.want)
			}
		})
	}
}
