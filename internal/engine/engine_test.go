package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lumabot/cadence/internal/clock"
	"github.com/lumabot/cadence/internal/content"
	"github.com/lumabot/cadence/internal/messaging"
	"github.com/lumabot/cadence/internal/models"
	"github.com/lumabot/cadence/internal/prefs"
	"github.com/lumabot/cadence/internal/program"
	"github.com/lumabot/cadence/internal/ritual"
	"github.com/lumabot/cadence/internal/store"
)

type engineFixture struct {
	engine   *Engine
	store    *store.InMemoryStore
	sink     *messaging.RecordingSink
	prefs    *prefs.InMemoryProvider
	clock    *clock.Fixed
	programs *program.Service
	catalog  *content.StaticCatalog
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	sink := messaging.NewRecordingSink()
	pp := prefs.NewInMemoryProvider()
	clk := &clock.Fixed{T: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	catalog := content.NewStaticCatalog(content.Program{
		ID:         "calm7",
		Name:       "Seven Days of Calm",
		DayTasks:   []string{"breathe", "walk", "journal", "stretch", "listen", "reflect", "rest"},
		Completion: "done",
	})
	programs := program.NewService(st, catalog, pp, clk)
	rituals := ritual.NewRescheduler(st, pp, clk)

	e := New(st, sink, pp, clk, programs, rituals, nil, Config{})
	e.RegisterResolver(models.KindMorningCheckin, &CheckinResolver{Bank: content.NewStaticPromptBank(map[models.DeliveryKind][]string{
		models.KindMorningCheckin: {"good morning"},
	})})
	e.RegisterResolver(models.KindProgramTask, &ProgramTaskResolver{Store: st, Catalog: catalog})
	e.RegisterResolver(models.KindExpiryReminder7d, &ExpiryResolver{})

	return &engineFixture{engine: e, store: st, sink: sink, prefs: pp, clock: clk, programs: programs, catalog: catalog}
}

func enableCheckin(pp *prefs.InMemoryProvider, userID string, kinds ...models.DeliveryKind) {
	p := models.DefaultPreferences(userID)
	p.RitualsEnabled = kinds
	pp.Set(p)
}

func (f *engineFixture) enqueueDue(t *testing.T, userID string, kind models.DeliveryKind, ref string) string {
	t.Helper()
	id, err := f.store.EnqueueDelivery(models.ScheduledDelivery{
		UserID: userID,
		Kind:   kind,
		DueAt:  f.clock.T.Add(-time.Minute),
		Ref:    ref,
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return id
}

func TestPollDeliversDueCheckin(t *testing.T) {
	f := newEngineFixture(t)
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	id := f.enqueueDue(t, "u1", models.KindMorningCheckin, "")

	n, err := f.engine.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 processed, got %d", n)
	}

	sent := f.sink.Sent()
	if len(sent) != 1 || sent[0].UserID != "u1" || sent[0].Text != "good morning" {
		t.Errorf("unexpected sends: %+v", sent)
	}

	d, _ := f.store.GetDelivery(id)
	if d.Status != models.DeliveryStatusSent || d.Failed {
		t.Errorf("delivery not retired as sent: status=%q failed=%v", d.Status, d.Failed)
	}

	// The check-in perpetuates itself: a fresh pending occurrence exists.
	if has, _ := f.store.HasPendingDelivery("u1", models.KindMorningCheckin); !has {
		t.Error("fired check-in must schedule its next occurrence")
	}
}

func TestPollSkipsFutureDeliveries(t *testing.T) {
	f := newEngineFixture(t)
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	if _, err := f.store.EnqueueDelivery(models.ScheduledDelivery{
		UserID: "u1", Kind: models.KindMorningCheckin, DueAt: f.clock.T.Add(time.Hour),
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	n, err := f.engine.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 processed, got %d", n)
	}
	if len(f.sink.Sent()) != 0 {
		t.Error("nothing should have been sent")
	}
}

func TestPollCancelsWhenProactiveOff(t *testing.T) {
	f := newEngineFixture(t)
	p := models.DefaultPreferences("u1")
	p.RitualsEnabled = []models.DeliveryKind{models.KindMorningCheckin}
	p.ProactiveMessagesEnabled = false
	f.prefs.Set(p)
	id := f.enqueueDue(t, "u1", models.KindMorningCheckin, "")

	if _, err := f.engine.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}

	d, _ := f.store.GetDelivery(id)
	if d.Status != models.DeliveryStatusCancelled {
		t.Errorf("expected cancelled, got %q", d.Status)
	}
	if len(f.sink.Sent()) != 0 {
		t.Error("nothing should have been sent with proactive messages off")
	}
	// A withdrawn occurrence does not perpetuate.
	if has, _ := f.store.HasPendingDelivery("u1", models.KindMorningCheckin); has {
		t.Error("withdrawn check-in must not reschedule")
	}
}

func TestPollFailedSendRetiresWithoutRetry(t *testing.T) {
	f := newEngineFixture(t)
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	f.sink.ErrFor["u1"] = errors.New("transport hiccup")
	id := f.enqueueDue(t, "u1", models.KindMorningCheckin, "")

	if _, err := f.engine.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}

	d, _ := f.store.GetDelivery(id)
	if d.Status != models.DeliveryStatusSent || !d.Failed {
		t.Errorf("expected sent+failed, got status=%q failed=%v", d.Status, d.Failed)
	}

	// The occurrence is consumed; only the next occurrence exists, no retry
	// of this one.
	if has, _ := f.store.HasPendingDelivery("u1", models.KindMorningCheckin); !has {
		t.Error("failed check-in must still schedule its next occurrence")
	}
	n, err := f.engine.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("second pollOnce failed: %v", err)
	}
	if n != 0 {
		t.Errorf("the failed occurrence must not refire, processed %d", n)
	}
}

func TestPollRecipientGoneCancels(t *testing.T) {
	f := newEngineFixture(t)
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	f.sink.ErrFor["u1"] = models.ErrRecipientGone
	id := f.enqueueDue(t, "u1", models.KindMorningCheckin, "")

	if _, err := f.engine.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}

	d, _ := f.store.GetDelivery(id)
	if d.Status != models.DeliveryStatusCancelled {
		t.Errorf("expected cancelled for gone recipient, got %q", d.Status)
	}
	if has, _ := f.store.HasPendingDelivery("u1", models.KindMorningCheckin); has {
		t.Error("a gone recipient must not get a next occurrence")
	}
}

func TestPollDeliversProgramTask(t *testing.T) {
	f := newEngineFixture(t)
	f.clock.T = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	inst, err := f.programs.Start("u1", "calm7", models.MustTimeOfDay("09:00"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Advance past the reminder time so the task is due.
	f.clock.T = time.Date(2025, 6, 1, 9, 0, 5, 0, time.UTC)
	n, err := f.engine.pollOnce(context.Background())
	if err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed, got %d", n)
	}

	sent := f.sink.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Text, "Day 1 of 7") || !strings.Contains(sent[0].Text, "breathe") {
		t.Errorf("unexpected task text: %q", sent[0].Text)
	}

	// Uncompleted task repeats tomorrow at the reminder time.
	after, _ := f.programs.Get(inst.ID)
	if after.LastTaskSentAt == nil {
		t.Error("LastTaskSentAt not stamped after delivery")
	}
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if after.NextTaskAt == nil || !after.NextTaskAt.Equal(want) {
		t.Errorf("NextTaskAt = %v, want %v", after.NextTaskAt, want)
	}
	if has, _ := f.store.HasPendingDelivery("u1", models.KindProgramTask); !has {
		t.Error("task must be re-enqueued for tomorrow")
	}
}

func TestResolverFallbackOnError(t *testing.T) {
	f := newEngineFixture(t)
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	// A program task with a dangling instance ref cannot resolve content.
	id := f.enqueueDue(t, "u1", models.KindProgramTask, "prog_gone")

	if _, err := f.engine.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}

	d, _ := f.store.GetDelivery(id)
	if d.Status != models.DeliveryStatusSent {
		t.Errorf("delivery must proceed with fallback text, got %q", d.Status)
	}
	sent := f.sink.Sent()
	if len(sent) != 1 || sent[0].Text != fallbackText(models.KindProgramTask) {
		t.Errorf("expected fallback text, got %+v", sent)
	}
}

func TestPayloadOverridesResolver(t *testing.T) {
	f := newEngineFixture(t)
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	if _, err := f.store.EnqueueDelivery(models.ScheduledDelivery{
		UserID:  "u1",
		Kind:    models.KindMorningCheckin,
		DueAt:   f.clock.T.Add(-time.Minute),
		Payload: "precomputed text",
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if _, err := f.engine.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce failed: %v", err)
	}
	sent := f.sink.Sent()
	if len(sent) != 1 || sent[0].Text != "precomputed text" {
		t.Errorf("expected payload text, got %+v", sent)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.cfg.PollInterval = 10 * time.Millisecond
	f.engine.cfg.DrainTimeout = time.Second

	if f.engine.State() != StateStopped {
		t.Fatal("engine must start stopped")
	}
	if err := f.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if f.engine.State() != StateRunning {
		t.Error("engine not running after Start")
	}
	if err := f.engine.Start(); err == nil {
		t.Error("second Start must fail")
	}

	f.engine.Stop()
	if f.engine.State() != StateStopped {
		t.Error("engine not stopped after Stop")
	}
	// Stop on a stopped engine is safe.
	f.engine.Stop()
}

func TestRunningEngineDeliversOnPoll(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.cfg.PollInterval = 10 * time.Millisecond
	f.engine.cfg.DrainTimeout = time.Second
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	f.enqueueDue(t, "u1", models.KindMorningCheckin, "")

	if err := f.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.engine.Stop()

	deadline := time.After(2 * time.Second)
	for len(f.sink.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatal("delivery did not go out while engine was running")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// A delivery claimed by a dispatcher that died is requeued on startup and
// then goes out on the next poll.
func TestStartRequeuesStaleClaims(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.cfg.PollInterval = 10 * time.Millisecond
	f.engine.cfg.DrainTimeout = time.Second
	enableCheckin(f.prefs, "u1", models.KindMorningCheckin)
	id := f.enqueueDue(t, "u1", models.KindMorningCheckin, "")

	if _, err := f.store.ClaimDueDeliveries(f.clock.T, 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	f.clock.Advance(time.Hour)

	if err := f.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer f.engine.Stop()

	deadline := time.After(2 * time.Second)
	for {
		d, _ := f.store.GetDelivery(id)
		if d.Status == models.DeliveryStatusSent {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stale claim never delivered after restart, status=%q", d.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
