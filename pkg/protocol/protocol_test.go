package protocol

import "testing"

func TestParseChannel(t *testing.T) {
	cases := []struct {
		channel string
		kind    ChannelKind
		suffix  string
	}{
		{"global", ChannelKindGlobal, ""},
		{"metrics", ChannelKindMetrics, ""},
		{"agents/builder-1", ChannelKindAgent, "builder-1"},
		{"sessions/sess-42", ChannelKindSession, "sess-42"},
		{"topics/task.created", ChannelKindTopic, "task.created"},
		{"agents/", ChannelInvalid, ""},
		{"sessions/", ChannelInvalid, ""},
		{"topics/", ChannelInvalid, ""},
		{"", ChannelInvalid, ""},
		{"globalx", ChannelInvalid, ""},
		{"unknown/thing", ChannelInvalid, ""},
	}
	for _, tc := range cases {
		kind, suffix := ParseChannel(tc.channel)
		if kind != tc.kind || suffix != tc.suffix {
			t.Errorf("ParseChannel(%q) = (%v, %q), expected (%v, %q)",
				tc.channel, kind, suffix, tc.kind, tc.suffix)
		}
	}
}

func TestChannelHelpers(t *testing.T) {
	if got := AgentChannel("builder-1"); got != "agents/builder-1" {
		t.Errorf("AgentChannel = %q", got)
	}
	if got := SessionChannel("sess-42"); got != "sessions/sess-42" {
		t.Errorf("SessionChannel = %q", got)
	}
	if got := TopicChannel("alert.blocking"); got != "topics/alert.blocking" {
		t.Errorf("TopicChannel = %q", got)
	}
	if !ValidChannel("global") || ValidChannel("agents/") {
		t.Error("ValidChannel mismatch")
	}
}

func TestValidEventName(t *testing.T) {
	for _, name := range []string{
		EventTaskCreated, EventSubtaskRunning, EventMessageNew,
		EventAgentConnected, EventWaveCompleted, EventMetricUpdate,
	} {
		if !ValidEventName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	for _, name := range []string{"", "task", "task.unknown", "custom.event"} {
		if ValidEventName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestTracked(t *testing.T) {
	tracked := []string{
		EventTaskCreated, EventTaskCompleted,
		EventSubtaskCreated, EventSubtaskFailed,
		EventMessageNew, EventMessageRead,
	}
	for _, name := range tracked {
		if !Tracked(name) {
			t.Errorf("expected %q to be tracked", name)
		}
	}
	untracked := []string{
		EventAgentConnected, EventSessionCreated, EventWaveCompleted,
		EventMetricUpdate, EventSystemError,
		"task.", "message.",
	}
	for _, name := range untracked {
		if Tracked(name) {
			t.Errorf("expected %q to be untracked", name)
		}
	}
}
