package stdoutclassifier

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Category
	}{
		{"chat", "2024-01-01 12:00:00 [CHAT] alice: hi", CategoryChat},
		{"discord echo before chat", "2024-01-01 12:00:00 [DISCORD-ECHO] alice: hi", CategoryChatDiscordEcho},
		{"join", "2024-01-01 12:00:00 [JOIN] bob joined the game", CategoryJoin},
		{"leave", "2024-01-01 12:00:00 [LEAVE] bob left the game", CategoryLeave},
		{"rpc", "2024-01-01 12:00:00 [RPC] stream {}", CategoryRpc},
		{"state change", "2024-01-01 12:00:00 changing state from(Ready) to(CreatingGame)", CategoryServerState},
		{"unknown state change falls back", "2024-01-01 12:00:00 changing state from(Bogus) to(AlsoBogus)", CategorySystemLog},
		{"everything else", "2024-01-01 12:00:00 some unrelated log line", CategorySystemLog},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.line)
			if got.Category != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.line, got.Category, tc.want)
			}
		})
	}
}

func TestClassify_ChatAfterDiscordEchoIsChat(t *testing.T) {
	// Edge case from the specification: a Discord-echo line followed by a
	// literal [CHAT] line with the same content must classify the first as
	// ChatDiscordEcho and the second as Chat -- no loop-back.
	echo := Classify("2024-01-01 12:00:00 [DISCORD-ECHO] alice: hi")
	chat := Classify("2024-01-01 12:00:01 [CHAT] alice: hi")

	if echo.Category != CategoryChatDiscordEcho {
		t.Fatalf("expected echo line to classify as ChatDiscordEcho, got %v", echo.Category)
	}
	if chat.Category != CategoryChat {
		t.Fatalf("expected chat line to classify as Chat, got %v", chat.Category)
	}
}

func TestClassify_StateChangeDoesNotAffectUnknownIdentifiers(t *testing.T) {
	r := Classify("2024-01-01 12:00:00 changing state from(Ready) to(NotAState)")
	if r.Category != CategorySystemLog {
		t.Fatalf("expected SystemLog for unparseable state identifiers, got %v", r.Category)
	}
}
