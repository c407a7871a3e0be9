package protocol

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"

	harness "github.com/jmoyers/harness-sub010"
)

// roundTrip encodes an envelope and parses it back.
func roundTrip(t *testing.T, e Envelope) Envelope {
	t.Helper()
	line, err := Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("encoded line missing newline terminator")
	}
	got, ok := Parse(line[:len(line)-1])
	if !ok {
		t.Fatalf("Parse rejected encoded envelope: %s", line)
	}
	return got
}

func TestRoundTripAuth(t *testing.T) {
	got := roundTrip(t, Auth{Token: "secret"})
	if a, ok := got.(Auth); !ok || a.Token != "secret" {
		t.Errorf("round trip = %#v", got)
	}
}

func TestRoundTripCommand(t *testing.T) {
	cmd, err := NewCommand("c-1", SessionListParams{Type: CmdSessionList, Limit: 1})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	got := roundTrip(t, cmd)
	c, ok := got.(Command)
	if !ok {
		t.Fatalf("round trip = %#v", got)
	}
	if c.CommandID != "c-1" || c.Type != CmdSessionList {
		t.Errorf("commandId=%q type=%q", c.CommandID, c.Type)
	}
	var params SessionListParams
	if err := json.Unmarshal(c.Raw, &params); err != nil || params.Limit != 1 {
		t.Errorf("params = %+v, err = %v", params, err)
	}
}

func TestRoundTripPtyOutput(t *testing.T) {
	chunk := base64.StdEncoding.EncodeToString([]byte("hello\n"))
	got := roundTrip(t, PtyOutput{SessionID: "s1", Cursor: 42, ChunkBase64: chunk})
	o, ok := got.(PtyOutput)
	if !ok || o.Cursor != 42 || o.ChunkBase64 != chunk {
		t.Errorf("round trip = %#v", got)
	}
}

func TestRoundTripCommandFailed(t *testing.T) {
	got := roundTrip(t, CommandFailed{
		CommandID: "c-9",
		Error:     CommandError{Kind: harness.KindSessionNotFound, Message: "no such session"},
	})
	f, ok := got.(CommandFailed)
	if !ok || f.Error.Kind != harness.KindSessionNotFound {
		t.Errorf("round trip = %#v", got)
	}
}

func TestRoundTripStreamEvent(t *testing.T) {
	got := roundTrip(t, StreamEvent{Event: harness.ObservedEvent{
		Cursor: 7,
		Type:   harness.ObservedSessionStatus,
		Scope:  harness.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"},
	}})
	s, ok := got.(StreamEvent)
	if !ok || s.Event.Cursor != 7 || s.Event.Type != harness.ObservedSessionStatus {
		t.Errorf("round trip = %#v", got)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"not json", `garbage`},
		{"not object", `[1,2,3]`},
		{"missing kind", `{"token":"x"}`},
		{"unknown kind", `{"kind":"nope"}`},
		{"auth missing token", `{"kind":"auth"}`},
		{"auth wrong type", `{"kind":"auth","token":7}`},
		{"command missing id", `{"kind":"command","command":{"type":"session.list"}}`},
		{"command empty id", `{"kind":"command","commandId":"","command":{"type":"session.list"}}`},
		{"command missing type", `{"kind":"command","commandId":"c","command":{}}`},
		{"input bad base64", `{"kind":"pty.input","sessionId":"s","dataBase64":"@@@"}`},
		{"resize fractional", `{"kind":"pty.resize","sessionId":"s","cols":80.5,"rows":24}`},
		{"resize zero", `{"kind":"pty.resize","sessionId":"s","cols":0,"rows":24}`},
		{"resize huge", `{"kind":"pty.resize","sessionId":"s","cols":80,"rows":99999}`},
		{"signal outside enum", `{"kind":"pty.signal","sessionId":"s","signal":"kill"}`},
		{"output negative cursor", `{"kind":"pty.output","sessionId":"s","cursor":-1,"chunkBase64":""}`},
		{"event unknown type", `{"kind":"pty.event","sessionId":"s","event":{"type":"mystery"}}`},
		{"stream missing event", `{"kind":"stream.event"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if env, ok := Parse([]byte(tc.line)); ok {
				t.Errorf("Parse accepted %q as %#v", tc.line, env)
			}
		})
	}
}

func TestParseValidSignals(t *testing.T) {
	for _, sig := range []string{SignalInterrupt, SignalEOF, SignalTerminate} {
		line := `{"kind":"pty.signal","sessionId":"s","signal":"` + sig + `"}`
		env, ok := Parse([]byte(line))
		if !ok {
			t.Fatalf("Parse rejected signal %q", sig)
		}
		if got := env.(PtySignal).Signal; got != sig {
			t.Errorf("signal = %q, want %q", got, sig)
		}
	}
}

func TestDecoderSkipsEmptyAndSplitsLines(t *testing.T) {
	input := "\n" + `{"kind":"auth.ok"}` + "\n\n" + `{"kind":"command.accepted","commandId":"c1"}` + "\n"
	d := NewDecoder(strings.NewReader(input))

	first, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, ok := Parse(first); !ok {
		t.Fatalf("first line did not parse: %s", first)
	}

	second, err := d.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	env, ok := Parse(second)
	if !ok {
		t.Fatalf("second line did not parse: %s", second)
	}
	if a, ok := env.(CommandAccepted); !ok || a.CommandID != "c1" {
		t.Errorf("second = %#v", env)
	}

	if _, err := d.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}
