package mount

import "testing"

func TestParseLineBasic(t *testing.T) {
	t.Parallel()
	line := `TARGET="/merged/One Piece" SOURCE="/config/branch-links/x" FSTYPE="fuse.mergerfs" OPTIONS="rw,threads=1,fsname=abc123"`
	entry, ok := ParseLine(line)
	if !ok {
		t.Fatal("ParseLine() returned false for a well-formed line")
	}
	if entry.Target != "/merged/One Piece" {
		t.Errorf("Target = %q", entry.Target)
	}
	if entry.FSType != "fuse.mergerfs" {
		t.Errorf("FSType = %q", entry.FSType)
	}
	if entry.Options != "rw,threads=1,fsname=abc123" {
		t.Errorf("Options = %q", entry.Options)
	}
}

func TestParseLineMissingRequiredField(t *testing.T) {
	t.Parallel()
	line := `SOURCE="/x" FSTYPE="ext4"`
	if _, ok := ParseLine(line); ok {
		t.Error("ParseLine() should fail without TARGET")
	}
}

func TestParseLineUnterminatedQuote(t *testing.T) {
	t.Parallel()
	line := `TARGET="/unterminated FSTYPE="ext4"`
	if _, ok := ParseLine(line); ok {
		t.Error("ParseLine() should fail on unterminated quote")
	}
}

func TestParseLineEscapedQuoteInValue(t *testing.T) {
	t.Parallel()
	line := `TARGET="/merged/Say \"Hi\"" FSTYPE="fuse.mergerfs"`
	entry, ok := ParseLine(line)
	if !ok {
		t.Fatal("ParseLine() should succeed with escaped embedded quotes")
	}
	if entry.Target != `/merged/Say "Hi"` {
		t.Errorf("Target = %q, want embedded quotes decoded", entry.Target)
	}
}

func TestDecodeEscapesOctalAndHex(t *testing.T) {
	t.Parallel()
	// \040 is a space (octal), \x41 is 'A' (hex).
	got := decodeEscapes(`foo\040bar\x41`)
	want := "foo barA"
	if got != want {
		t.Errorf("decodeEscapes() = %q, want %q", got, want)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	originals := []string{
		`simple value`,
		"has\ttab\nand newline",
		`quote " and backslash \`,
	}
	for _, orig := range originals {
		encoded := EncodeValue(orig)
		line := `TARGET="` + encoded + `" FSTYPE="ext4"`
		entry, ok := ParseLine(line)
		if !ok {
			t.Fatalf("ParseLine() failed round-tripping %q (encoded: %q)", orig, encoded)
		}
		if entry.Target != orig {
			t.Errorf("round trip mismatch: got %q, want %q", entry.Target, orig)
		}
	}
}

func TestReconcileActionsMountsMissingAndUnmountsUndesired(t *testing.T) {
	t.Parallel()
	desired := map[string]*Plan{
		"/merged/A": {DesiredIdentity: "idA", BranchSpecification: "spec-a"},
	}
	observed := []Entry{
		{Target: "/merged/B", FSType: "fuse.mergerfs", Options: "fsname=idB"},
	}

	actions := ReconcileActions(desired, observed, nil, "inotify-event")

	var sawMountA, sawUnmountB bool
	for _, a := range actions {
		if a.Kind == Mount && a.MountPoint == "/merged/A" {
			sawMountA = true
		}
		if a.Kind == Unmount && a.MountPoint == "/merged/B" {
			sawUnmountB = true
		}
	}
	if !sawMountA {
		t.Error("expected a Mount action for /merged/A")
	}
	if !sawUnmountB {
		t.Error("expected an Unmount action for /merged/B")
	}
}

func TestReconcileActionsRemountsOnDriftOrForce(t *testing.T) {
	t.Parallel()
	desired := map[string]*Plan{
		"/merged/A": {DesiredIdentity: "idA-new", BranchSpecification: "spec-a"},
		"/merged/B": {DesiredIdentity: "idB", BranchSpecification: "spec-b"},
	}
	observed := []Entry{
		{Target: "/merged/A", FSType: "fuse.mergerfs", Options: "fsname=idA-old"},
		{Target: "/merged/B", FSType: "fuse.mergerfs", Options: "fsname=idB"},
	}

	actions := ReconcileActions(desired, observed, map[string]bool{"/merged/B": true}, "force")

	kinds := map[string]ActionKind{}
	for _, a := range actions {
		kinds[a.MountPoint] = a.Kind
	}
	if kinds["/merged/A"] != Remount {
		t.Errorf("A action = %v, want Remount (identity drift)", kinds["/merged/A"])
	}
	if kinds["/merged/B"] != Remount {
		t.Errorf("B action = %v, want Remount (force set)", kinds["/merged/B"])
	}
}

func TestReconcileActionsIgnoresUnmanagedMounts(t *testing.T) {
	t.Parallel()
	desired := map[string]*Plan{}
	observed := []Entry{
		{Target: "/home", FSType: "ext4", Options: "rw,relatime"},
	}
	actions := ReconcileActions(desired, observed, nil, "timer")
	if len(actions) != 0 {
		t.Errorf("ReconcileActions() = %v, want no actions for an unmanaged mount", actions)
	}
}
