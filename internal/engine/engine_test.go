package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/engine/auth"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	env := &testEnv{Engine: eng, Ctx: context.Background()}
	if err := env.Engine.AssignRole(env.Ctx, "carol", "approver", "carol"); err != nil {
		t.Fatalf("grant approver: %v", err)
	}
	return env
}

func (env *testEnv) setNow(t *testing.T, instant time.Time) {
	t.Helper()
	env.Engine.Now = func() time.Time { return instant }
}

func fixedStep(no int, days int) domain.StepDef {
	return domain.StepDef{
		StepNo:      no,
		Description: "step",
		Assignees:   []string{"alice", "bob"},
		Rule:        domain.DurationRule{Kind: domain.RuleFixed, Days: days},
	}
}

func askStep(no int) domain.StepDef {
	return domain.StepDef{
		StepNo:      no,
		Description: "step",
		Assignees:   []string{"alice", "bob"},
		Rule:        domain.DurationRule{Kind: domain.RuleAskOnCompletion},
	}
}

func (env *testEnv) mustTemplate(t *testing.T, steps ...domain.StepDef) domain.Template {
	t.Helper()
	tmpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "onboarding",
		Steps:   steps,
		ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tmpl
}

func (env *testEnv) mustProject(t *testing.T, tmpl domain.Template) domain.Project {
	t.Helper()
	p, err := env.Engine.InstantiateProject(env.Ctx, engine.ProjectCreateOptions{
		TemplateID: tmpl.ID,
		Name:       "acme onboarding",
		StartDate:  "2024-01-01",
		ActorID:    "alice",
	})
	if err != nil {
		t.Fatalf("instantiate project: %v", err)
	}
	return p
}

func (env *testEnv) complete(t *testing.T, projectID string, stepNo int) domain.TaskInstance {
	t.Helper()
	task, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: projectID,
		StepNo:    stepNo,
		Status:    domain.StatusDone,
		ActorID:   "alice",
	})
	if err != nil {
		t.Fatalf("complete step %d: %v", stepNo, err)
	}
	return task
}

func wantGuard(t *testing.T, err error, reason string) {
	t.Helper()
	var guard engine.GuardError
	if !errors.As(err, &guard) {
		t.Fatalf("want guard error %q, got %v", reason, err)
	}
	if guard.Reason != reason {
		t.Fatalf("want reason %q, got %q", reason, guard.Reason)
	}
}

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "bad",
		ActorID: "alice",
		Steps: []domain.StepDef{{
			StepNo:      1,
			Description: "x",
			Assignees:   []string{"alice"},
			Rule:        domain.DurationRule{Kind: domain.RuleFixed, Days: -1},
		}},
	})
	if err == nil || !strings.Contains(err.Error(), "negative") {
		t.Fatalf("want negative-duration rejection, got %v", err)
	}
	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Name:    "bad",
		ActorID: "alice",
		Steps:   []domain.StepDef{fixedStep(2, 1)},
	})
	if err == nil || !strings.Contains(err.Error(), "contiguous") {
		t.Fatalf("want contiguity rejection, got %v", err)
	}
}

func TestTemplateLocksOnInstantiation(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	env.mustProject(t, tmpl)

	_, err := env.Engine.UpdateTemplate(env.Ctx, engine.TemplateCreateOptions{
		ID:      tmpl.ID,
		Name:    "renamed",
		ActorID: "alice",
	})
	if err == nil || !strings.Contains(err.Error(), "locked") {
		t.Fatalf("want locked-template rejection, got %v", err)
	}
}

func TestInstantiationSeedsStepOne(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2), fixedStep(2, 3))
	p := env.mustProject(t, tmpl)

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("want 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != domain.StatusPending {
		t.Fatalf("step 1 should open pending, got %s", tasks[0].Status)
	}
	if tasks[0].PlannedDueDate == nil || !strings.HasPrefix(*tasks[0].PlannedDueDate, "2024-01-03") {
		t.Fatalf("step 1 due date: %v", tasks[0].PlannedDueDate)
	}
	if tasks[1].Status != domain.StatusNotStarted {
		t.Fatalf("step 2 should be not_started, got %s", tasks[1].Status)
	}
	if tasks[1].PlannedDueDate != nil {
		t.Fatalf("step 2 should have no date until step 1 completes")
	}
}

func TestDependencyOrdering(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2), fixedStep(2, 2), fixedStep(3, 2))
	p := env.mustProject(t, tmpl)

	_, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 2, Status: domain.StatusDone, ActorID: "alice",
	})
	wantGuard(t, err, engine.ReasonDependencyNotMet)

	env.complete(t, p.ID, 1)
	env.complete(t, p.ID, 2)
	env.complete(t, p.ID, 3)

	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "completed" {
		t.Fatalf("project should complete once every step is done, got %s", got.Status)
	}
}

func TestAskOnCompletionSeeding(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2), askStep(2))
	p := env.mustProject(t, tmpl)

	// complete step 1 on a Saturday
	env.setNow(t, time.Date(2024, 2, 3, 9, 0, 0, 0, time.UTC))
	env.complete(t, p.ID, 1)

	next, err := env.Engine.Repo.GetTask(env.Ctx, p.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if next.Status != domain.StatusAwaitingDate {
		t.Fatalf("ask step should await a date, got %s", next.Status)
	}
	if next.PlannedDueDate != nil {
		t.Fatalf("ask step must not carry a date before seeding")
	}

	// assignee supplies a Sunday; the stored date shifts to Monday
	seeded, err := env.Engine.SeedStepDate(env.Ctx, p.ID, 2, "2024-02-04", "alice")
	if err != nil {
		t.Fatalf("seed date: %v", err)
	}
	if seeded.Status != domain.StatusPending {
		t.Fatalf("seeded step should be pending, got %s", seeded.Status)
	}
	if seeded.PlannedDueDate == nil || !strings.HasPrefix(*seeded.PlannedDueDate, "2024-02-05") {
		t.Fatalf("Sunday date should shift to Monday, got %v", seeded.PlannedDueDate)
	}
}

func TestSuccessorDateSuppliedWithCompletion(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2), askStep(2))
	p := env.mustProject(t, tmpl)

	_, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID:    p.ID,
		StepNo:       1,
		Status:       domain.StatusDone,
		ActorID:      "alice",
		NextStepDate: "2024-01-10",
	})
	if err != nil {
		t.Fatalf("complete with next date: %v", err)
	}
	next, err := env.Engine.Repo.GetTask(env.Ctx, p.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if next.Status != domain.StatusPending || next.PlannedDueDate == nil {
		t.Fatalf("successor should open pending with the supplied date, got %s %v", next.Status, next.PlannedDueDate)
	}
}

func TestCompletionRequiresDateOnAskStep(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, askStep(1))
	p := env.mustProject(t, tmpl)

	_, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "alice",
	})
	wantGuard(t, err, engine.ReasonDateRequired)

	// supplying the date in the same call satisfies the guard
	task, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID:      p.ID,
		StepNo:         1,
		Status:         domain.StatusDone,
		ActorID:        "alice",
		PlannedDueDate: "2024-01-02",
	})
	if err != nil {
		t.Fatalf("complete with date: %v", err)
	}
	if task.Status != domain.StatusDone {
		t.Fatalf("want done, got %s", task.Status)
	}
}

func TestChecklistGating(t *testing.T) {
	env := newTestEnv(t)
	step := fixedStep(1, 2)
	step.ChecklistRequired = true
	step.ChecklistTemplate = []string{"collect docs", "verify ids", "sign off"}
	tmpl := env.mustTemplate(t, step)
	p := env.mustProject(t, tmpl)

	task, err := env.Engine.Repo.GetTask(env.Ctx, p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(task.ChecklistItems) != 3 {
		t.Fatalf("want 3 checklist items, got %d", len(task.ChecklistItems))
	}
	// tick two of three without moving the step
	twoTicks := []engine.ChecklistUpdate{
		{ID: task.ChecklistItems[0].ID, Completed: true},
		{ID: task.ChecklistItems[1].ID, Completed: true},
	}
	if _, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, ActorID: "alice", Checklist: twoTicks,
	}); err != nil {
		t.Fatalf("tick checklist: %v", err)
	}
	_, err = env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "alice",
	})
	wantGuard(t, err, engine.ReasonChecklistIncomplete)

	done, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "alice",
		Checklist: []engine.ChecklistUpdate{{ID: task.ChecklistItems[2].ID, Completed: true}},
	})
	if err != nil {
		t.Fatalf("complete after last tick: %v", err)
	}
	if done.Status != domain.StatusDone {
		t.Fatalf("want done, got %s", done.Status)
	}
}

func TestAttachmentGating(t *testing.T) {
	env := newTestEnv(t)
	step := fixedStep(1, 2)
	step.AttachmentsRequired = true
	step.AttachmentsMandatory = true
	tmpl := env.mustTemplate(t, step)
	p := env.mustProject(t, tmpl)

	_, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "alice",
	})
	wantGuard(t, err, engine.ReasonAttachmentRequired)

	done, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "alice",
		Attachments: []domain.Attachment{{Filename: "report.pdf", Path: "uploads/report.pdf", Size: 1024, UploadedBy: "alice"}},
	})
	if err != nil {
		t.Fatalf("complete with attachment: %v", err)
	}
	if len(done.Attachments) != 1 {
		t.Fatalf("want 1 attachment, got %d", len(done.Attachments))
	}
}

func TestAttachmentCap(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	var over []domain.Attachment
	for i := 0; i < env.Engine.Config.Attachments.MaxFiles+1; i++ {
		over = append(over, domain.Attachment{Filename: "f.pdf", Path: "uploads/f.pdf", Size: 1, UploadedBy: "alice"})
	}
	_, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, ActorID: "alice", Attachments: over,
	})
	if err == nil || !strings.Contains(err.Error(), "cap") {
		t.Fatalf("want attachment cap rejection, got %v", err)
	}
}

func TestNonAssigneeRejected(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	_, err := env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "mallory",
	})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden, got %v", err)
	}
}

func TestObjectionExclusivity(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	first, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionHold, Remarks: "supplier delay", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	_, err = env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionDateChange, RequestedDate: "2024-01-10", ActorID: "bob",
	})
	wantGuard(t, err, engine.ReasonObjectionPending)

	if _, err := env.Engine.ResolveObjection(env.Ctx, first.ID, "rejected", "not justified", "carol"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionDateChange, RequestedDate: "2024-01-10", ActorID: "bob",
	}); err != nil {
		t.Fatalf("raise after resolution: %v", err)
	}
}

func TestObjectionResolutionIsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	o, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionHold, ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveObjection(env.Ctx, o.ID, "rejected", "", "carol"); err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	_, err = env.Engine.ResolveObjection(env.Ctx, o.ID, "approved", "", "carol")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("want conflict on second resolution, got %v", err)
	}
}

func TestResolveRequiresApprover(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	o, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionHold, ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveObjection(env.Ctx, o.ID, "approved", "", "bob")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden for non-approver, got %v", err)
	}
}

func TestDateChangePropagation(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	o, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID:          p.ID,
		StepNo:             1,
		Type:               domain.ObjectionDateChange,
		RequestedDate:      "2024-01-05",
		ExtraDaysRequested: 2,
		Remarks:            "waiting on external sign-off",
		ActorID:            "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveObjection(env.Ctx, o.ID, "approved", "granted", "carol"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if task.PlannedDueDate == nil || !strings.HasPrefix(*task.PlannedDueDate, "2024-01-05") {
		t.Fatalf("planned due date should move to the requested date, got %v", task.PlannedDueDate)
	}

	// completing after the extended date is late but flagged as impacted
	env.setNow(t, time.Date(2024, 1, 7, 9, 0, 0, 0, time.UTC))
	env.complete(t, p.ID, 1)

	logs, err := env.Engine.Repo.ListScoreLogs(env.Ctx, repo.ScoreFilters{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("want one score log, got %d", len(logs))
	}
	if logs[0].WasOnTime {
		t.Fatalf("completion after the new date should be late")
	}
	if !logs[0].ScoreImpacted || logs[0].ImpactReason == nil {
		t.Fatalf("score should record the approved extension, got %+v", logs[0])
	}
}

func TestHoldBlocksSuccessorUntilReleased(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2), fixedStep(2, 2))
	p := env.mustProject(t, tmpl)

	o, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionHold, ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveObjection(env.Ctx, o.ID, "approved", "", "carol"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusHeld {
		t.Fatalf("want held, got %s", task.Status)
	}

	// a held predecessor blocks its successor
	_, err = env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 2, Status: domain.StatusDone, ActorID: "alice",
	})
	wantGuard(t, err, engine.ReasonDependencyNotMet)

	// and the held step itself cannot progress
	_, err = env.Engine.TransitionStep(env.Ctx, engine.StepTransitionOptions{
		ProjectID: p.ID, StepNo: 1, Status: domain.StatusDone, ActorID: "alice",
	})
	if err == nil {
		t.Fatalf("held step should reject transitions")
	}

	if _, err := env.Engine.ReleaseHold(env.Ctx, p.ID, 1, "carol", "resolved upstream"); err != nil {
		t.Fatalf("release: %v", err)
	}
	env.complete(t, p.ID, 1)
	env.complete(t, p.ID, 2)
}

func TestHoldRefusedOnDependentRule(t *testing.T) {
	env := newTestEnv(t)
	step := fixedStep(1, 2)
	step.Rule.Kind = domain.RuleDependent
	tmpl := env.mustTemplate(t, step)
	p := env.mustProject(t, tmpl)

	_, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionHold, ActorID: "alice",
	})
	if err == nil || !strings.Contains(err.Error(), "dependent") {
		t.Fatalf("want dependent-rule hold rejection, got %v", err)
	}
}

func TestTerminateSkipsWhenDeclared(t *testing.T) {
	env := newTestEnv(t)
	first := fixedStep(1, 2)
	first.SkipOnTerminate = true
	tmpl := env.mustTemplate(t, first, fixedStep(2, 2))
	p := env.mustProject(t, tmpl)

	o, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionTerminate, Remarks: "step obsolete", ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveObjection(env.Ctx, o.ID, "approved", "", "carol"); err != nil {
		t.Fatal(err)
	}

	// terminated-with-skip predecessor satisfies the dependency guard,
	// but step 2's date was never computed: supply it first
	if _, err := env.Engine.OverrideStepDueDate(env.Ctx, p.ID, 2, "2024-01-10", "carol", "predecessor terminated"); err != nil {
		t.Fatalf("override due date: %v", err)
	}
	env.complete(t, p.ID, 2)

	// the terminated step never scores
	logs, err := env.Engine.Repo.ListScoreLogs(env.Ctx, repo.ScoreFilters{})
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range logs {
		if l.EntityID == p.ID+"/1" {
			t.Fatalf("terminated step must not score: %+v", l)
		}
	}
}

func TestScoreImmutabilityOnRetry(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	env.complete(t, p.ID, 1)
	// idempotent retry of the same completion
	env.complete(t, p.ID, 1)

	logs, err := env.Engine.Repo.ListScoreLogs(env.Ctx, repo.ScoreFilters{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("want exactly one score log after retry, got %d", len(logs))
	}
	if !logs[0].WasOnTime || logs[0].ScorePercentage != 100 {
		t.Fatalf("on-time completion should score full, got %+v", logs[0])
	}
}

func TestLateCompletionScoresDown(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	// due 2024-01-03, completed exactly three days later
	env.setNow(t, time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC))
	env.complete(t, p.ID, 1)

	logs, err := env.Engine.Repo.ListScoreLogs(env.Ctx, repo.ScoreFilters{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("want one log, got %d", len(logs))
	}
	if logs[0].WasOnTime {
		t.Fatalf("want late")
	}
	if logs[0].ScorePercentage != 85 {
		t.Fatalf("three days late at 5 per day should score 85, got %v", logs[0].ScorePercentage)
	}
}

func TestAdminOverrideNeedsReasonAndRole(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	if _, err := env.Engine.OverrideStepStatus(env.Ctx, p.ID, 1, domain.StatusDone, "carol", ""); err == nil {
		t.Fatalf("override without reason should fail")
	}
	_, err := env.Engine.OverrideStepStatus(env.Ctx, p.ID, 1, domain.StatusDone, "alice", "cleanup")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden for non-approver, got %v", err)
	}
	task, err := env.Engine.OverrideStepStatus(env.Ctx, p.ID, 1, domain.StatusDone, "carol", "completed offline")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if task.Status != domain.StatusDone {
		t.Fatalf("want done, got %s", task.Status)
	}
}

func TestForwardingAudit(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateMultiLevelTask(env.Ctx, engine.MultiLevelTaskCreateOptions{
		Title:      "prepare audit pack",
		AssignedTo: "alice",
		DueDate:    "2024-01-05",
		ActorID:    "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	hops := []string{"bob", "carol", "dave"}
	owner := "alice"
	for i, to := range hops {
		task, err = env.Engine.ForwardMultiLevelTask(env.Ctx, task.ID, to, "2024-01-10", "passing along", owner)
		if err != nil {
			t.Fatalf("forward %d: %v", i+1, err)
		}
		owner = to
	}
	if len(task.ForwardingHistory) != len(hops) {
		t.Fatalf("want %d history entries, got %d", len(hops), len(task.ForwardingHistory))
	}
	prev := "alice"
	for i, entry := range task.ForwardingHistory {
		if entry.From != prev {
			t.Fatalf("entry %d: from %q, want %q", i, entry.From, prev)
		}
		prev = entry.To
	}
	if task.AssignedTo != "dave" {
		t.Fatalf("owner should be the last forward target, got %s", task.AssignedTo)
	}

	// the previous owner lost write access
	_, err = env.Engine.ForwardMultiLevelTask(env.Ctx, task.ID, "erin", "2024-01-12", "", "carol")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden for former owner, got %v", err)
	}
}

func TestMultiLevelCompletionScoresOnce(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateMultiLevelTask(env.Ctx, engine.MultiLevelTaskCreateOptions{
		Title:      "inventory check",
		AssignedTo: "alice",
		DueDate:    "2024-01-05",
		Checklist:  []string{"count stock"},
		ActorID:    "boss",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CompleteMultiLevelTask(env.Ctx, task.ID, "done", "alice", nil)
	wantGuard(t, err, engine.ReasonChecklistIncomplete)

	got, err := env.Engine.Repo.GetMultiLevelTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	ticks := []engine.ChecklistUpdate{{ID: got.ChecklistItems[0].ID, Completed: true}}
	if _, err := env.Engine.CompleteMultiLevelTask(env.Ctx, task.ID, "all counted", "alice", ticks); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// retry is a no-op
	if _, err := env.Engine.CompleteMultiLevelTask(env.Ctx, task.ID, "all counted", "alice", nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	logs, err := env.Engine.Repo.ListScoreLogs(env.Ctx, repo.ScoreFilters{EntityType: "task"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("want one score log, got %d", len(logs))
	}
}

func TestProjectDeletionCascades(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)
	env.complete(t, p.ID, 1)

	if err := env.Engine.DeleteProject(env.Ctx, p.ID, "carol", "duplicate entry"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, p.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("project should be gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, p.ID, 1); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("tasks should cascade, got %v", err)
	}
	logs, err := env.Engine.Repo.ListScoreLogs(env.Ctx, repo.ScoreFilters{})
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range logs {
		if strings.HasPrefix(l.EntityID, p.ID) {
			t.Fatalf("score logs should cascade, got %+v", l)
		}
	}
}

func TestRoleGrantRequiresApproverOnceBootstrapped(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.mustTemplate(t, fixedStep(1, 2))
	p := env.mustProject(t, tmpl)

	// carol holds approver from setup, so grants now need one
	err := env.Engine.AssignRole(env.Ctx, "mallory", "approver", "mallory")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden for self-grant, got %v", err)
	}

	o, err := env.Engine.RaiseObjection(env.Ctx, engine.ObjectionRaiseOptions{
		ProjectID: p.ID, StepNo: 1, Type: domain.ObjectionHold, ActorID: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveObjection(env.Ctx, o.ID, "approved", "", "mallory"); !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden resolution after refused grant, got %v", err)
	}

	if err := env.Engine.AssignRole(env.Ctx, "dave", "approver", "carol"); err != nil {
		t.Fatalf("approver-administered grant: %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "dave", "approver", "mallory"); !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden revoke by non-approver, got %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "dave", "approver", "carol"); err != nil {
		t.Fatalf("approver-administered revoke: %v", err)
	}
}

func TestFirstApproverGrantBootstrapsEmptyDeployment(t *testing.T) {
	env := newTestEnv(t)
	// newTestEnv's own grant of carol exercised the bootstrap path; verify
	// it stuck and that the window closed behind it.
	ok, err := env.Engine.Auth.IsApprover(env.Ctx, "carol", env.Engine.Config.Approvers.Roles)
	if err != nil || !ok {
		t.Fatalf("bootstrap grant did not stick: ok=%v err=%v", ok, err)
	}
	var forbidden auth.ForbiddenError
	if err := env.Engine.AssignRole(env.Ctx, "eve", "admin", "eve"); !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden after bootstrap, got %v", err)
	}
}

func TestAPIKeyMintingScopedToSelf(t *testing.T) {
	env := newTestEnv(t)

	key, plaintext, err := env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{
		ActorID: "alice", Name: "laptop", RequestedBy: "alice",
	})
	if err != nil {
		t.Fatalf("self-service key: %v", err)
	}
	if plaintext == "" || key.KeyHash != repo.HashAPIKey(plaintext) {
		t.Fatal("plaintext should hash to the stored digest")
	}

	var forbidden auth.ForbiddenError
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{
		ActorID: "carol", RequestedBy: "alice",
	}); !errors.As(err, &forbidden) {
		t.Fatalf("want forbidden minting for another actor, got %v", err)
	}

	botKey, _, err := env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{
		ActorID: "bot", Name: "ci", RequestedBy: "carol",
	})
	if err != nil {
		t.Fatalf("approver-minted key: %v", err)
	}
	if botKey.ActorID != "bot" {
		t.Fatalf("want key bound to bot, got %s", botKey.ActorID)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "apikey.created", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 apikey.created events, got %d", len(events))
	}
}
