package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hearthlabs/hearth/internal/database"
	"github.com/hearthlabs/hearth/internal/family"
	"github.com/hearthlabs/hearth/internal/realtime"
	"github.com/hearthlabs/hearth/internal/schedule"
)

type stack struct {
	hub       *realtime.Hub
	families  *family.Service
	schedules *schedule.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()

	dsn := fmt.Sprintf("file:hearth_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	families, err := family.NewService(family.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct family service: %v", err)
	}
	hub := realtime.NewHub(nil)
	schedules, err := schedule.NewService(schedule.ServiceConfig{
		Database:   db,
		IDProvider: schedule.NewUUIDProvider(),
		Publisher:  hub,
	})
	if err != nil {
		t.Fatalf("failed to construct schedule service: %v", err)
	}
	return &stack{hub: hub, families: families, schedules: schedules}
}

func (s *stack) openSession(t *testing.T, familyID, userID, userName string) *realtime.Session {
	t.Helper()
	session, err := realtime.NewSession(realtime.SessionConfig{
		Hub:     s.hub,
		Family:  familyID,
		Self:    realtime.PresenceRecord{UserID: userID, UserName: userName},
		Fetcher: s.schedules,
		Names:   s.families.ScopedNames(familyID),
	})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return session
}

func nextToast(t *testing.T, toasts <-chan realtime.Toast) realtime.Toast {
	t.Helper()
	select {
	case toast := <-toasts:
		return toast
	case <-time.After(2 * time.Second):
		t.Fatal("expected toast within deadline")
		return realtime.Toast{}
	}
}

func expectNoToast(t *testing.T, toasts <-chan realtime.Toast) {
	t.Helper()
	select {
	case toast := <-toasts:
		t.Fatalf("did not expect toast, got %q", toast.Title)
	case <-time.After(300 * time.Millisecond):
	}
}

func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestCompletionFlowsFromActorToFamily(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.families.UpsertMember(family.Member{FamilyID: "family-1", UserID: "user-a", DisplayName: "Dana"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.families.UpsertMember(family.Member{FamilyID: "family-1", UserID: "user-b", DisplayName: "Bob"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	familyID, err := schedule.NewFamilyID("family-1")
	if err != nil {
		t.Fatalf("family id: %v", err)
	}
	date, err := schedule.NewDate("2026-08-30")
	if err != nil {
		t.Fatalf("date: %v", err)
	}
	block, err := s.schedules.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00")
	if err != nil {
		t.Fatalf("create block failed: %v", err)
	}
	item, err := s.schedules.CreateItem(ctx, block.ID, "Pack lunches", "user-a")
	if err != nil {
		t.Fatalf("create item failed: %v", err)
	}

	sessionA := s.openSession(t, "family-1", "user-a", "Dana")
	defer sessionA.Close()
	sessionB := s.openSession(t, "family-1", "user-b", "Bob")
	defer sessionB.Close()
	if err := sessionA.LoadDay(ctx, "2026-08-30"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := sessionB.LoadDay(ctx, "2026-08-30"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	nextToast(t, sessionA.Toasts()) // Bob came online

	err = sessionA.CompleteItem(ctx, item.ID, true, func(ctx context.Context) error {
		_, err := s.schedules.SetItemCompletion(ctx, item.ID, true, "user-a")
		return err
	})
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}

	toast := nextToast(t, sessionB.Toasts())
	if toast.Title != `Dana completed "Pack lunches"` {
		t.Fatalf("unexpected toast title %q", toast.Title)
	}
	waitUntil(t, "session B to reconcile the completion", func() bool {
		day, ok := sessionB.Day("2026-08-30")
		return ok && day.Blocks[0].Items[0].Completed
	})
	waitUntil(t, "session B to annotate Dana's activity", func() bool {
		return sessionB.CurrentActivities()["user-a"] == "Completed: Pack lunches"
	})

	day, ok := sessionA.Day("2026-08-30")
	if !ok || !day.Blocks[0].Items[0].Completed || day.Blocks[0].Items[0].CompletedBy != "user-a" {
		t.Fatalf("unexpected actor cache state %+v", day)
	}
	expectNoToast(t, sessionA.Toasts())

	// The row store agrees with both caches.
	stored, err := s.schedules.ScheduleForDate(ctx, "family-1", "2026-08-30")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !stored.Blocks[0].Items[0].Completed {
		t.Fatal("expected completion persisted")
	}
}

func TestFamilySwitchDropsAllTransientState(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	familyID, _ := schedule.NewFamilyID("family-1")
	date, _ := schedule.NewDate("2026-08-30")
	if _, err := s.schedules.CreateTimeBlock(ctx, familyID, date, "Morning", "07:00", "09:00"); err != nil {
		t.Fatalf("create block failed: %v", err)
	}

	session := s.openSession(t, "family-1", "user-a", "Dana")
	if err := session.LoadDay(ctx, "2026-08-30"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, ok := session.Day("2026-08-30"); !ok {
		t.Fatal("expected cached day before the switch")
	}
	session.Close()
	if _, ok := session.Day("2026-08-30"); ok {
		t.Fatal("expected cache cleared on close")
	}
	if members := session.OnlineMembers(); len(members) != 0 {
		t.Fatalf("expected presence cleared on close, got %d members", len(members))
	}

	switched := s.openSession(t, "family-2", "user-a", "Dana")
	defer switched.Close()
	if _, ok := switched.Day("2026-08-30"); ok {
		t.Fatal("expected no carried-over schedule state on the new channel")
	}
	if err := switched.LoadDay(ctx, "2026-08-30"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	day, ok := switched.Day("2026-08-30")
	if !ok || len(day.Blocks) != 0 {
		t.Fatalf("expected empty day for family-2, got %+v", day)
	}
}
