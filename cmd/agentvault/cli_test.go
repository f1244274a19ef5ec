package main

import (
	"bytes"
	"strings"
	"testing"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLI_CommandSurface(t *testing.T) {
	root := buildRootCommand()

	want := []string{
		"keygen", "init", "store", "get", "versions", "update", "delete",
		"search", "compress", "share", "revoke", "grants", "shared",
		"status", "profile", "version",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestCLI_HelpMentionsVaults(t *testing.T) {
	out, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	if !strings.Contains(out, "memory vaults") {
		t.Errorf("unexpected root help:\n%s", out)
	}
	for _, name := range []string{"store", "search", "compress", "share"} {
		if !strings.Contains(out, name) {
			t.Errorf("help does not list %q", name)
		}
	}
}

func TestCLI_RequiredFlags(t *testing.T) {
	// store without --vault must fail before touching any service.
	if _, err := runRootCommandForTest("store", "k", "content"); err == nil {
		t.Error("store without --vault should fail")
	}
	if _, err := runRootCommandForTest("status"); err == nil {
		t.Error("status without --vault should fail")
	}
	if _, err := runRootCommandForTest("share", "shard-1"); err == nil {
		t.Error("share without --to should fail")
	}
}

func TestCLI_NoSubcommandErrors(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Error("bare invocation should require a subcommand")
	}
}
