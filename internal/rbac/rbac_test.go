package rbac

import "testing"

func TestCan(t *testing.T) {
	if !Can(LevelManager, ActionManage) {
		t.Fatal("manager should manage")
	}
	if !Can(LevelManager, ActionSeeIdentities) {
		t.Fatal("manager should see annotator identities")
	}
	if Can(LevelCurator, ActionSeeIdentities) {
		t.Fatal("curator should not see annotator identities")
	}
	if !Can(LevelCurator, ActionCurate) {
		t.Fatal("curator should curate")
	}
	if Can(LevelAnnotator, ActionCurate) {
		t.Fatal("annotator should not curate")
	}
	if !Can(LevelAnnotator, ActionBeCurationTarget) {
		t.Fatal("any member may be a curation target")
	}
	if Can(Level("GUEST"), ActionAnnotate) {
		t.Fatal("unknown levels grant nothing")
	}
}

func TestHighest(t *testing.T) {
	level, ok := Highest([]Level{LevelAnnotator, LevelManager, LevelCurator})
	if !ok || level != LevelManager {
		t.Fatalf("Highest() = %q, %v", level, ok)
	}
	if _, ok := Highest(nil); ok {
		t.Fatal("expected no level for an empty list")
	}
}

func TestParse(t *testing.T) {
	if level, ok := Parse(" curator "); !ok || level != LevelCurator {
		t.Fatalf("Parse(curator) = %q, %v", level, ok)
	}
	if _, ok := Parse("owner"); ok {
		t.Fatal("expected owner to be rejected")
	}
}
