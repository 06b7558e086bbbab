package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumabot/cadence/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_delivery_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// eachStore runs the test against both the SQLite and in-memory backends.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
}

func pendingDelivery(userID string, kind models.DeliveryKind, dueAt time.Time) models.ScheduledDelivery {
	return models.ScheduledDelivery{UserID: userID, Kind: kind, DueAt: dueAt}
}

func TestEnqueueAndGetDelivery(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		dueAt := time.Now().Add(time.Hour)
		id, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, dueAt))
		if err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}
		if id == "" {
			t.Fatal("EnqueueDelivery returned empty ID")
		}

		d, err := s.GetDelivery(id)
		if err != nil {
			t.Fatalf("GetDelivery failed: %v", err)
		}
		if d == nil {
			t.Fatal("GetDelivery returned nil")
		}
		if d.Status != models.DeliveryStatusPending {
			t.Errorf("expected status pending, got %q", d.Status)
		}
		if d.Kind != models.KindMorningCheckin {
			t.Errorf("expected kind morning_checkin, got %q", d.Kind)
		}
	})
}

func TestEnqueueDeliveryValidation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.EnqueueDelivery(pendingDelivery("", models.KindMorningCheckin, time.Now()))
		if err == nil {
			t.Error("expected error for empty user ID")
		}
		_, err = s.EnqueueDelivery(pendingDelivery("u1", "bogus", time.Now()))
		if err == nil {
			t.Error("expected error for invalid kind")
		}
	})
}

// Enqueuing kind K for user U while a pending K exists must leave exactly one
// pending K for U: the new entry.
func TestEnqueueDeliveryReplacesPendingSlot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		first := time.Now().Add(time.Hour)
		second := time.Now().Add(2 * time.Hour)

		id1, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindEveningCheckin, first))
		if err != nil {
			t.Fatalf("EnqueueDelivery 1 failed: %v", err)
		}
		id2, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindEveningCheckin, second))
		if err != nil {
			t.Fatalf("EnqueueDelivery 2 failed: %v", err)
		}

		d1, err := s.GetDelivery(id1)
		if err != nil || d1 == nil {
			t.Fatalf("GetDelivery 1 failed: %v", err)
		}
		if d1.Status != models.DeliveryStatusCancelled {
			t.Errorf("expected first delivery cancelled, got %q", d1.Status)
		}

		d2, err := s.GetDelivery(id2)
		if err != nil || d2 == nil {
			t.Fatalf("GetDelivery 2 failed: %v", err)
		}
		if d2.Status != models.DeliveryStatusPending {
			t.Errorf("expected second delivery pending, got %q", d2.Status)
		}
	})
}

// Different kinds for the same user occupy independent slots.
func TestEnqueueDeliveryKindsAreIndependent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		dueAt := time.Now().Add(time.Hour)
		id1, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, dueAt))
		if err != nil {
			t.Fatalf("EnqueueDelivery morning failed: %v", err)
		}
		if _, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindEveningCheckin, dueAt)); err != nil {
			t.Fatalf("EnqueueDelivery evening failed: %v", err)
		}

		d1, _ := s.GetDelivery(id1)
		if d1.Status != models.DeliveryStatusPending {
			t.Errorf("morning delivery should still be pending, got %q", d1.Status)
		}
	})
}

func TestClaimDueDeliveries(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		dueID, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-time.Minute)))
		if err != nil {
			t.Fatalf("EnqueueDelivery due failed: %v", err)
		}
		if _, err := s.EnqueueDelivery(pendingDelivery("u2", models.KindMorningCheckin, now.Add(time.Hour))); err != nil {
			t.Fatalf("EnqueueDelivery future failed: %v", err)
		}

		claimed, err := s.ClaimDueDeliveries(now, 10)
		if err != nil {
			t.Fatalf("ClaimDueDeliveries failed: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("expected 1 claimed delivery, got %d", len(claimed))
		}
		if claimed[0].ID != dueID {
			t.Errorf("expected claimed ID %q, got %q", dueID, claimed[0].ID)
		}
		if claimed[0].Status != models.DeliveryStatusInFlight {
			t.Errorf("expected status in_flight, got %q", claimed[0].Status)
		}

		// A second claim over the same window finds nothing.
		again, err := s.ClaimDueDeliveries(now, 10)
		if err != nil {
			t.Fatalf("second ClaimDueDeliveries failed: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("expected no deliveries on second claim, got %d", len(again))
		}
	})
}

// Two workers claiming 50 each against 80 due rows must partition them: the
// union has all 80 entries, the intersection is empty.
func TestConcurrentClaimPartitionsDueSet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		total := 80
		for i := 0; i < total; i++ {
			userID := "user_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			if _, err := s.EnqueueDelivery(pendingDelivery(userID, models.KindMorningCheckin, now.Add(-time.Minute))); err != nil {
				t.Fatalf("EnqueueDelivery %d failed: %v", i, err)
			}
		}

		var wg sync.WaitGroup
		results := make([][]models.ScheduledDelivery, 2)
		errs := make([]error, 2)
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				results[w], errs[w] = s.ClaimDueDeliveries(now, 50)
			}(w)
		}
		wg.Wait()

		for w, err := range errs {
			if err != nil {
				t.Fatalf("worker %d claim failed: %v", w, err)
			}
		}

		seen := make(map[string]int)
		claimed := 0
		for _, batch := range results {
			for _, d := range batch {
				seen[d.ID]++
				claimed++
			}
		}
		if claimed != total {
			t.Errorf("expected %d claimed in total, got %d", total, claimed)
		}
		for id, n := range seen {
			if n > 1 {
				t.Errorf("delivery %q claimed %d times", id, n)
			}
		}
	})
}

// N concurrent callers each claiming the whole window: every entry goes to
// exactly one caller.
func TestConcurrentClaimNoDoubleFire(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		total := 30
		for i := 0; i < total; i++ {
			userID := "user_" + string(rune('a'+i))
			if _, err := s.EnqueueDelivery(pendingDelivery(userID, models.KindFollowup, now.Add(-time.Second))); err != nil {
				t.Fatalf("EnqueueDelivery %d failed: %v", i, err)
			}
		}

		workers := 5
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := make(map[string]int)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := s.ClaimDueDeliveries(now, total)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				mu.Lock()
				for _, d := range claimed {
					seen[d.ID]++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(seen) != total {
			t.Errorf("expected %d distinct claimed deliveries, got %d", total, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("delivery %q claimed %d times, want exactly once", id, n)
			}
		}
	})
}

func TestMarkDeliveryOutcomes(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		sentID, _ := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-time.Minute)))
		failedID, _ := s.EnqueueDelivery(pendingDelivery("u2", models.KindMorningCheckin, now.Add(-time.Minute)))
		cancelledID, _ := s.EnqueueDelivery(pendingDelivery("u3", models.KindMorningCheckin, now.Add(-time.Minute)))

		if err := s.MarkDeliverySent(sentID); err != nil {
			t.Fatalf("MarkDeliverySent failed: %v", err)
		}
		if err := s.MarkDeliveryFailed(failedID); err != nil {
			t.Fatalf("MarkDeliveryFailed failed: %v", err)
		}
		if err := s.MarkDeliveryCancelled(cancelledID); err != nil {
			t.Fatalf("MarkDeliveryCancelled failed: %v", err)
		}

		sent, _ := s.GetDelivery(sentID)
		if sent.Status != models.DeliveryStatusSent || sent.Failed {
			t.Errorf("sent delivery: status=%q failed=%v", sent.Status, sent.Failed)
		}
		if sent.SentAt == nil {
			t.Error("sent delivery missing sent_at")
		}

		failed, _ := s.GetDelivery(failedID)
		if failed.Status != models.DeliveryStatusSent || !failed.Failed {
			t.Errorf("failed delivery: status=%q failed=%v", failed.Status, failed.Failed)
		}

		cancelled, _ := s.GetDelivery(cancelledID)
		if cancelled.Status != models.DeliveryStatusCancelled {
			t.Errorf("cancelled delivery: status=%q", cancelled.Status)
		}
	})
}

func TestCancelPendingDeliveries(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		dueAt := time.Now().Add(time.Hour)
		if _, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, dueAt)); err != nil {
			t.Fatalf("EnqueueDelivery failed: %v", err)
		}

		n, err := s.CancelPendingDeliveries("u1", models.KindMorningCheckin)
		if err != nil {
			t.Fatalf("CancelPendingDeliveries failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 cancelled, got %d", n)
		}

		has, err := s.HasPendingDelivery("u1", models.KindMorningCheckin)
		if err != nil {
			t.Fatalf("HasPendingDelivery failed: %v", err)
		}
		if has {
			t.Error("expected no pending delivery after cancel")
		}

		// Cancelling an empty slot is a no-op.
		n, err = s.CancelPendingDeliveries("u1", models.KindMorningCheckin)
		if err != nil {
			t.Fatalf("second CancelPendingDeliveries failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 cancelled on empty slot, got %d", n)
		}
	})
}

func TestPurgeKeepsPendingRows(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		sentID, _ := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-time.Minute)))
		if err := s.MarkDeliverySent(sentID); err != nil {
			t.Fatalf("MarkDeliverySent failed: %v", err)
		}
		pendingID, _ := s.EnqueueDelivery(pendingDelivery("u2", models.KindMorningCheckin, now.Add(time.Hour)))

		// Cutoff in the future relative to the rows' update times: terminal
		// rows qualify, pending rows must survive regardless.
		n, err := s.PurgeDeliveriesOlderThan(now.Add(time.Minute))
		if err != nil {
			t.Fatalf("PurgeDeliveriesOlderThan failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 purged row, got %d", n)
		}

		if d, _ := s.GetDelivery(sentID); d != nil {
			t.Error("sent delivery should have been purged")
		}
		if d, _ := s.GetDelivery(pendingID); d == nil {
			t.Error("pending delivery must never be purged")
		}
	})
}

func TestRequeueStaleInFlight(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		id, _ := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-time.Minute)))

		claimed, err := s.ClaimDueDeliveries(now, 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("claim failed: %v (claimed %d)", err, len(claimed))
		}

		// A stale threshold in the future makes the fresh claim look dead.
		n, err := s.RequeueStaleInFlight(now.Add(time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleInFlight failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 requeued, got %d", n)
		}

		d, _ := s.GetDelivery(id)
		if d.Status != models.DeliveryStatusPending {
			t.Errorf("expected pending after requeue, got %q", d.Status)
		}
	})
}

// A stale claim whose slot was re-filled in the meantime is cancelled, not
// requeued, preserving the single-pending-slot invariant.
func TestRequeueStaleInFlightSupersededSlot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		staleID, _ := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-time.Minute)))
		if claimed, err := s.ClaimDueDeliveries(now, 10); err != nil || len(claimed) != 1 {
			t.Fatalf("claim failed: %v", err)
		}

		// The slot gets a fresh pending entry while the old claim is in flight.
		freshID, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(time.Hour)))
		if err != nil {
			t.Fatalf("EnqueueDelivery fresh failed: %v", err)
		}

		if _, err := s.RequeueStaleInFlight(now.Add(time.Minute)); err != nil {
			t.Fatalf("RequeueStaleInFlight failed: %v", err)
		}

		stale, _ := s.GetDelivery(staleID)
		if stale.Status != models.DeliveryStatusCancelled {
			t.Errorf("expected superseded claim cancelled, got %q", stale.Status)
		}
		fresh, _ := s.GetDelivery(freshID)
		if fresh.Status != models.DeliveryStatusPending {
			t.Errorf("expected fresh entry untouched, got %q", fresh.Status)
		}
	})
}

// Two stale claims can pile up in one (user, kind) slot through the normal
// API: claim, enqueue a replacement, claim again. Repair must requeue only
// the latest occurrence and cancel the rest; requeuing both would violate
// the single-pending-slot invariant and wedge every later repair pass.
func TestRequeueStaleInFlightTwoStaleSameSlot(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now()
		oldID, _ := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-2*time.Minute)))
		if claimed, err := s.ClaimDueDeliveries(now, 10); err != nil || len(claimed) != 1 {
			t.Fatalf("first claim failed: %v (claimed %d)", err, len(claimed))
		}

		newID, err := s.EnqueueDelivery(pendingDelivery("u1", models.KindMorningCheckin, now.Add(-time.Minute)))
		if err != nil {
			t.Fatalf("EnqueueDelivery replacement failed: %v", err)
		}
		if claimed, err := s.ClaimDueDeliveries(now, 10); err != nil || len(claimed) != 1 {
			t.Fatalf("second claim failed: %v (claimed %d)", err, len(claimed))
		}

		n, err := s.RequeueStaleInFlight(now.Add(time.Minute))
		if err != nil {
			t.Fatalf("RequeueStaleInFlight failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 requeued, got %d", n)
		}

		newer, _ := s.GetDelivery(newID)
		if newer.Status != models.DeliveryStatusPending {
			t.Errorf("expected latest occurrence requeued, got %q", newer.Status)
		}
		older, _ := s.GetDelivery(oldID)
		if older.Status != models.DeliveryStatusCancelled {
			t.Errorf("expected older occurrence cancelled, got %q", older.Status)
		}
	})
}
