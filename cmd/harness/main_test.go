package main

import (
	"bytes"
	"errors"
	"testing"
)

func TestUnknownFlagIsUsageError(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"gateway", "status", "--bogus"})

	err := root.Execute()
	if !errors.Is(err, errUsage) {
		t.Errorf("err = %v, want usage error", err)
	}
}

func TestStopOrphanFlagSpellings(t *testing.T) {
	root := newRootCmd()
	stop, _, err := root.Find([]string{"gateway", "stop"})
	if err != nil {
		t.Fatalf("find gateway stop: %v", err)
	}
	for _, name := range []string{"cleanup-orphans", "no-cleanup-orphans"} {
		if stop.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
}

func TestGatewaySubcommandsRegistered(t *testing.T) {
	root := newRootCmd()
	gw, _, err := root.Find([]string{"gateway"})
	if err != nil {
		t.Fatalf("find gateway: %v", err)
	}
	want := map[string]bool{
		"start": false, "run": false, "stop": false, "status": false,
		"restart": false, "call": false, "gc": false,
	}
	for _, sub := range gw.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %s missing", name)
		}
	}
}
