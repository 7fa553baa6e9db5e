package guardrail

import "testing"

func TestClassifyKeywords(t *testing.T) {
	g := New(DefaultConfig())
	cases := []struct {
		prompt string
		want   TaskType
	}{
		{"deploy the new configuration to staging", TaskSystem},
		{"analyze target group demographics", TaskAudience},
		{"what time does the restaurant open", TaskUser},
		{"summarize audience segments for the campaign", TaskAudience},
	}
	for _, c := range cases {
		if got := g.Classify(c.prompt, "", ""); got != c.want {
			t.Errorf("Classify(%q) = %q, want %q", c.prompt, got, c.want)
		}
	}
}

func TestIntentOverridesKeywords(t *testing.T) {
	g := New(DefaultConfig())
	// Prompt says audience, intent says system: intent wins.
	if got := g.Classify("target group demographics", "", "system"); got != TaskSystem {
		t.Fatalf("intent override failed, got %q", got)
	}
	if got := g.Classify("hello", "marketing", ""); got != TaskAudience {
		t.Fatalf("domain override failed, got %q", got)
	}
}

func TestRestrictedArmOnlyForSystem(t *testing.T) {
	g := New(DefaultConfig())

	d := g.Authorize("deploy monitoring", "", "", "anthropic")
	if d.TaskType != TaskSystem || d.Delegated {
		t.Fatalf("system task should permit anthropic: %+v", d)
	}
	if d.Arms[0] != "anthropic" {
		t.Fatalf("preferred arm should lead: %v", d.Arms)
	}

	for _, task := range []TaskType{TaskUser, TaskAudience} {
		for _, arm := range g.permittedFor(task) {
			if arm == "anthropic" {
				t.Fatalf("anthropic must not appear in %s fallbacks", task)
			}
		}
	}
}

func TestAudienceDelegation(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Authorize("analyze target group demographics", "", "", "anthropic")

	if d.TaskType != TaskAudience {
		t.Fatalf("expected audience task, got %q", d.TaskType)
	}
	if !d.Delegated || d.OriginalArm != "anthropic" {
		t.Fatalf("expected delegation from anthropic: %+v", d)
	}
	if d.Arms[0] != "vllm" {
		t.Fatalf("audience fallback should lead with vllm: %v", d.Arms)
	}

	vs := g.Violations()
	if len(vs) != 1 {
		t.Fatalf("expected one violation, got %d", len(vs))
	}
	v := vs[0]
	if v.Action != ActionDelegated || v.AttemptedArm != "anthropic" || v.RedirectedTo != "vllm" {
		t.Fatalf("unexpected violation: %+v", v)
	}
	if v.ID == "" {
		t.Fatal("violation must carry an id")
	}
}

func TestPreferredArmReordersPermittedList(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Authorize("what is on the menu today", "", "", "vllm")
	if d.Delegated {
		t.Fatalf("vllm is permitted for user tasks: %+v", d)
	}
	if d.Arms[0] != "vllm" || d.Arms[1] != "openai" {
		t.Fatalf("preferred arm should reorder, got %v", d.Arms)
	}
}

func TestViolationRingBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxViolations = 10
	g := New(cfg)
	for i := 0; i < 25; i++ {
		g.Authorize("analyze target group demographics", "", "", "anthropic")
	}
	if got := len(g.Violations()); got != 10 {
		t.Fatalf("ring should cap at 10, got %d", got)
	}
}

func TestRecordBlocked(t *testing.T) {
	g := New(DefaultConfig())
	g.RecordBlocked("some prompt", TaskUser, "openai")
	vs := g.Violations()
	if len(vs) != 1 || vs[0].Action != ActionBlocked {
		t.Fatalf("expected blocked violation: %+v", vs)
	}
}
