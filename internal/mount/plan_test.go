package mount

import (
	"strings"
	"testing"
)

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"mangadex", "mangadex"},
		{"my source!", "my_source_"},
		{"", "x"},
		{"___", "___"},
	}
	for _, c := range cases {
		if got := sanitizeLabel(c.in); got != c.want {
			t.Errorf("sanitizeLabel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestComposeLinkNameFitsAndDeterministic(t *testing.T) {
	t.Parallel()
	longLabel := strings.Repeat("a", 16384)
	name1 := composeLinkName("10_source", longLabel, sanitizeLabel(longLabel), 5)
	name2 := composeLinkName("10_source", longLabel, sanitizeLabel(longLabel), 5)

	if len(name1) > maxPathComponentBytes {
		t.Fatalf("composeLinkName() len = %d, want <= %d", len(name1), maxPathComponentBytes)
	}
	if name1 != name2 {
		t.Errorf("composeLinkName() not deterministic: %q != %q", name1, name2)
	}
}

func TestComposeLinkNameDiffersOnDifferingTail(t *testing.T) {
	t.Parallel()
	// labelA and labelB sanitize identically (both reserved chars map to
	// "_"), so only hashing the original label distinguishes them.
	prefix := strings.Repeat("a", 4096) + strings.Repeat("x", 300)
	labelA := prefix + "!"
	labelB := prefix + "@"

	if sanitizeLabel(labelA) != sanitizeLabel(labelB) {
		t.Fatal("test setup invalid: labelA and labelB must sanitize identically")
	}

	nameA := composeLinkName("10_source", labelA, sanitizeLabel(labelA), 0)
	nameB := composeLinkName("10_source", labelB, sanitizeLabel(labelB), 0)

	if nameA == nameB {
		t.Error("composeLinkName() produced identical names for labels with differing tails")
	}
}

func TestOrderSourceBranchesByPriorityThenTieBreak(t *testing.T) {
	t.Parallel()
	branches := []SourceBranch{
		{SourceName: "comick", SourcePath: "/v1/comick"},
		{SourceName: "mangadex", SourcePath: "/v1/mangadex"},
		{SourceName: "zzz-unlisted", SourcePath: "/v1/zzz"},
		{SourceName: "aaa-unlisted", SourcePath: "/v1/aaa"},
	}
	ordered := orderSourceBranches(branches, []string{"mangadex", "comick"})

	want := []string{"mangadex", "comick", "aaa-unlisted", "zzz-unlisted"}
	for i, name := range want {
		if ordered[i].SourceName != name {
			t.Errorf("ordered[%d].SourceName = %q, want %q", i, ordered[i].SourceName, name)
		}
	}
}

func TestPlanBuildsDeterministicGroupIDAndBranchSpec(t *testing.T) {
	t.Parallel()
	in := Input{
		CanonicalTitle:      "One Piece",
		GroupKey:            "one piece",
		MergedRoot:          "/merged",
		BranchLinksRoot:     "/config/branch-links",
		OverrideVolumePaths: []string{"/override/vol1"},
		SourceBranches: []SourceBranch{
			{SourceName: "mangadex", SourcePath: "/sources/vol1/mangadex/One Piece"},
		},
		SourcePriorityOrder: []string{"mangadex"},
	}
	exists := func(path string) bool { return true }

	plan := BuildPlan(in, exists)

	if !strings.HasPrefix(plan.GroupID, "One Piece-") {
		t.Errorf("GroupID = %q, want prefix 'One Piece-'", plan.GroupID)
	}
	if plan.MountPoint != "/merged/One Piece" {
		t.Errorf("MountPoint = %q", plan.MountPoint)
	}
	if plan.PreferredOverridePath != "/override/vol1/One Piece" {
		t.Errorf("PreferredOverridePath = %q", plan.PreferredOverridePath)
	}
	if len(plan.BranchLinks) != 2 {
		t.Fatalf("BranchLinks = %v, want 2 entries", plan.BranchLinks)
	}
	if plan.BranchLinks[0].Name != "00_override_primary" {
		t.Errorf("BranchLinks[0].Name = %q, want 00_override_primary", plan.BranchLinks[0].Name)
	}
	if plan.BranchLinks[1].Mode != "RO" {
		t.Errorf("BranchLinks[1].Mode = %q, want RO", plan.BranchLinks[1].Mode)
	}
	if !strings.Contains(plan.BranchSpecification, "=RW:") || !strings.HasSuffix(plan.BranchSpecification, "=RO") {
		t.Errorf("BranchSpecification = %q, want RW branches before RO", plan.BranchSpecification)
	}
	if plan.DesiredIdentity == "" {
		t.Error("DesiredIdentity should not be empty")
	}
}

func TestPlanDesiredIdentityChangesWithGroupKeyOrSpec(t *testing.T) {
	t.Parallel()
	in := Input{
		CanonicalTitle:  "Title",
		GroupKey:        "title",
		MergedRoot:      "/merged",
		BranchLinksRoot: "/links",
		SourceBranches: []SourceBranch{
			{SourceName: "a", SourcePath: "/s/a"},
		},
	}
	exists := func(string) bool { return false }

	p1 := BuildPlan(in, exists)
	in2 := in
	in2.GroupKey = "title-changed"
	p2 := BuildPlan(in2, exists)

	if p1.DesiredIdentity == p2.DesiredIdentity {
		t.Error("DesiredIdentity should change when group key changes")
	}
}

func TestSelectOverrideBranchesFallsBackToFirstVolume(t *testing.T) {
	t.Parallel()
	exists := func(string) bool { return false }
	branches, preferred := selectOverrideBranches("Title", []string{"/v1", "/v2"}, exists)
	if preferred != "/v1/Title" {
		t.Errorf("preferred = %q, want /v1/Title (first in config order)", preferred)
	}
	if len(branches) != 1 {
		t.Errorf("branches = %v, want only the preferred (non-existing others excluded)", branches)
	}
}

func TestSelectOverrideBranchesPrefersExistingTitleDir(t *testing.T) {
	t.Parallel()
	exists := func(path string) bool { return path == "/v2/Title" }
	branches, preferred := selectOverrideBranches("Title", []string{"/v1", "/v2"}, exists)
	if preferred != "/v2/Title" {
		t.Errorf("preferred = %q, want /v2/Title", preferred)
	}
	if len(branches) != 1 {
		t.Errorf("branches = %v, want just the one existing volume", branches)
	}
}
