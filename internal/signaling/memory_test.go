package signaling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"peercall/internal/models"
)

func strPtr(s string) *string { return &s }

func statusPtr(s models.CallStatus) *models.CallStatus { return &s }

func candidate(i int) webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 5000%d typ host", i, i, i),
		SDPMid:    &mid,
	}
}

func recvRecord(t *testing.T, ch <-chan models.CallRecord) models.CallRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for record delivery")
	}
	return models.CallRecord{}
}

func recvCandidate(t *testing.T, ch <-chan webrtc.ICECandidateInit) webrtc.ICECandidateInit {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for candidate delivery")
	}
	return webrtc.ICECandidateInit{}
}

func TestMemoryStoreCreateOrMergeKeepsAbsentFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.CreateOrMerge(ctx, "c1", models.RecordUpdate{
		CallerID:   strPtr("alice"),
		ReceiverID: strPtr("bob"),
		Status:     statusPtr(models.StatusCalling),
	})
	if err != nil {
		t.Fatalf("CreateOrMerge: %v", err)
	}
	first, _ := s.Get(ctx, "c1")

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	if err := s.CreateOrMerge(ctx, "c1", models.RecordUpdate{Offer: &offer}); err != nil {
		t.Fatalf("CreateOrMerge(offer): %v", err)
	}

	rec, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.CallerID != "alice" || rec.ReceiverID != "bob" || rec.Status != models.StatusCalling {
		t.Errorf("merge dropped fields: %+v", rec)
	}
	if rec.Offer == nil || rec.Offer.SDP != "v=0" {
		t.Errorf("offer = %+v, want v=0", rec.Offer)
	}
	if !rec.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("timestamp changed on merge: %v -> %v", first.CreatedAt, rec.CreatedAt)
	}
}

func TestMemoryStoreUpdateMissingRecord(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), "nope", models.WithStatus(models.StatusEnded))
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Update(missing) = %v, want ErrRecordNotFound", err)
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrRecordNotFound", err)
	}
}

func TestMemoryStoreFailNext(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailNext("create", errors.New("quota"))

	if err := s.CreateOrMerge(ctx, "c1", models.WithStatus(models.StatusCalling)); !errors.Is(err, ErrChannelIO) {
		t.Fatalf("first CreateOrMerge = %v, want ErrChannelIO", err)
	}
	if err := s.CreateOrMerge(ctx, "c1", models.WithStatus(models.StatusCalling)); err != nil {
		t.Fatalf("second CreateOrMerge = %v, want nil", err)
	}
}

func TestMemoryStoreSubscribeRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateOrMerge(ctx, "c1", models.WithStatus(models.StatusCalling)); err != nil {
		t.Fatal(err)
	}

	ch := make(chan models.CallRecord, 8)
	cancel, err := s.SubscribeRecord(ctx, "c1", func(rec models.CallRecord) { ch <- rec })
	if err != nil {
		t.Fatalf("SubscribeRecord: %v", err)
	}
	defer cancel()

	if rec := recvRecord(t, ch); rec.Status != models.StatusCalling || rec.ID != "c1" {
		t.Errorf("initial delivery = %+v", rec)
	}
	if err := s.Update(ctx, "c1", models.WithStatus(models.StatusConnected)); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, "c1", models.WithStatus(models.StatusEnded)); err != nil {
		t.Fatal(err)
	}
	if rec := recvRecord(t, ch); rec.Status != models.StatusConnected {
		t.Errorf("second delivery status = %s, want connected", rec.Status)
	}
	if rec := recvRecord(t, ch); rec.Status != models.StatusEnded {
		t.Errorf("third delivery status = %s, want ended", rec.Status)
	}

	cancel()
	if err := s.Update(ctx, "c1", models.WithStatus(models.StatusEnded)); err != nil {
		t.Fatal(err)
	}
	select {
	case rec := <-ch:
		t.Fatalf("delivery after cancel: %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreSubscribeEndsWithContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan models.CallRecord, 8)
	if _, err := s.SubscribeRecord(ctx, "c1", func(rec models.CallRecord) { ch <- rec }); err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := s.CreateOrMerge(context.Background(), "c1", models.WithStatus(models.StatusCalling)); err != nil {
		t.Fatal(err)
	}
	select {
	case rec := <-ch:
		t.Fatalf("delivery after context cancel: %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCandidatesOrderAndRoleIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	offerer := s.CandidateWriter("c1", models.RoleOfferer)
	// Appending before the record exists is allowed.
	for i := 1; i <= 2; i++ {
		if err := offerer.Append(ctx, candidate(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	fromOfferer := make(chan webrtc.ICECandidateInit, 8)
	cancel, err := s.CandidateReader("c1", models.RoleOfferer).Subscribe(ctx, func(c webrtc.ICECandidateInit) { fromOfferer <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	fromAnswerer := make(chan webrtc.ICECandidateInit, 8)
	cancel2, err := s.CandidateReader("c1", models.RoleAnswerer).Subscribe(ctx, func(c webrtc.ICECandidateInit) { fromAnswerer <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()

	if err := offerer.Append(ctx, candidate(3)); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if got, want := recvCandidate(t, fromOfferer).Candidate, candidate(i).Candidate; got != want {
			t.Errorf("candidate %d = %q, want %q", i, got, want)
		}
	}
	select {
	case c := <-fromAnswerer:
		t.Fatalf("answerer collection received offerer candidate %q", c.Candidate)
	case <-time.After(50 * time.Millisecond):
	}
	if n := len(s.Candidates("c1", models.RoleOfferer)); n != 3 {
		t.Errorf("offerer collection size = %d, want 3", n)
	}
}

func TestMemoryStoreSubscribePending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	ch := make(chan []models.CallRecord, 8)
	cancel, err := s.SubscribePending(ctx, "bob", func(recs []models.CallRecord) { ch <- recs })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	recv := func() []models.CallRecord {
		t.Helper()
		select {
		case recs := <-ch:
			return recs
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for pending delivery")
		}
		return nil
	}
	if got := recv(); len(got) != 0 {
		t.Fatalf("initial pending = %d records, want 0", len(got))
	}

	create := func(id, caller string) {
		err := s.CreateOrMerge(ctx, id, models.RecordUpdate{
			CallerID:   strPtr(caller),
			ReceiverID: strPtr("bob"),
			Status:     statusPtr(models.StatusCalling),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	create("b-first", "alice")
	create("a-second", "carol")
	// A call for someone else is not delivered.
	if err := s.CreateOrMerge(ctx, "other", models.RecordUpdate{ReceiverID: strPtr("dave"), Status: statusPtr(models.StatusCalling)}); err != nil {
		t.Fatal(err)
	}

	recv()
	got := recv()
	if len(got) != 2 || got[0].ID != "b-first" || got[1].ID != "a-second" {
		t.Fatalf("pending = %+v, want [b-first a-second] oldest first", got)
	}

	if err := s.Update(ctx, "b-first", models.WithStatus(models.StatusRejected)); err != nil {
		t.Fatal(err)
	}
	got = recv()
	if len(got) != 1 || got[0].ID != "a-second" {
		t.Fatalf("pending after reject = %+v, want [a-second]", got)
	}
}
