package seedset

import "testing"

func TestChooseModeThresholdBoundary(t *testing.T) {
	r := SeedRecord{
		Prefecture: "P",
		City:       "C",
		Parent:     map[string]int{"http://h/a/": 2, "http://h/b/": 3},
	}

	mode, urls := chooseMode(r, 5)
	if mode != ModeParent {
		t.Errorf("threshold exactly equal to sum(parent_counts) should select parent, got %s", mode)
	}
	if len(urls) != 2 {
		t.Errorf("expected parent url set, got %v", urls)
	}

	mode, _ = chooseMode(r, 6)
	if mode != ModeGrandParent {
		t.Errorf("one more than sum(parent_counts) should select grand_parent, got %s", mode)
	}
}

func TestChooseModeEmptyParent(t *testing.T) {
	r := SeedRecord{
		Prefecture:  "P",
		City:        "C",
		GrandParent: map[string]int{"http://h/gp/": 1},
	}
	mode, urls := chooseMode(r, 0)
	if mode != ModeGrandParent {
		t.Errorf("empty parent set must fall back to grand_parent even if threshold is 0, got %s", mode)
	}
	if len(urls) != 1 {
		t.Errorf("expected grand_parent url set, got %v", urls)
	}
}

func TestBuildTasksSkipsRecordsMissingPrefectureOrCity(t *testing.T) {
	records := []SeedRecord{
		{Prefecture: "", City: "C", Parent: map[string]int{"http://h/a/": 5}},
		{Prefecture: "P", City: "", Parent: map[string]int{"http://h/a/": 5}},
		{Prefecture: "P", City: "C", Parent: map[string]int{"http://h/a/": 5}},
	}
	tasks, skipped := BuildTasks(records, 1)
	if len(tasks) != 1 {
		t.Fatalf("expected only the complete record to produce a task, got %d", len(tasks))
	}
	if len(skipped) != 0 {
		t.Errorf("expected no skips, got %d", len(skipped))
	}
}

func TestBuildTasksEmptyModeIsSkipped(t *testing.T) {
	records := []SeedRecord{
		{Prefecture: "P", City: "C"},
	}
	tasks, skipped := BuildTasks(records, 1)
	if len(tasks) != 0 {
		t.Errorf("expected zero tasks, got %d", len(tasks))
	}
	if len(skipped) != 1 {
		t.Fatalf("expected the record to be reported as skipped, got %d", len(skipped))
	}
}

func TestRoundRobinByHostInterleaves(t *testing.T) {
	tasks := []SeedTask{
		{SeedURL: "http://a.example/1"},
		{SeedURL: "http://a.example/2"},
		{SeedURL: "http://b.example/1"},
		{SeedURL: "http://a.example/3"},
		{SeedURL: "http://b.example/2"},
	}
	ordered := roundRobinByHost(tasks)
	if len(ordered) != len(tasks) {
		t.Fatalf("expected %d tasks, got %d", len(tasks), len(ordered))
	}

	hosts := make([]string, len(ordered))
	for i, tk := range ordered {
		hosts[i] = hostOf(tk.SeedURL)
	}
	// The two hosts must alternate until one drains: a,b,a,b,a (b only has 2).
	want := []string{"a.example", "b.example", "a.example", "b.example", "a.example"}
	for i := range want {
		if hosts[i] != want[i] {
			t.Errorf("position %d: want host %s, got %s (%v)", i, want[i], hosts[i], hosts)
		}
	}
}

func TestRoundRobinByHostNoHostGoesToTail(t *testing.T) {
	tasks := []SeedTask{
		{SeedURL: "not-a-url-with-no-host"},
		{SeedURL: "http://a.example/1"},
	}
	ordered := roundRobinByHost(tasks)
	if ordered[len(ordered)-1].SeedURL != "not-a-url-with-no-host" {
		t.Errorf("expected hostless task at the tail, got order %+v", ordered)
	}
}
