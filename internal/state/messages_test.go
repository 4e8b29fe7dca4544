package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/coord/pkg/models"
)

func TestDrainMessages_OrderAndOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var msgs []models.Message
	for i := 0; i < 3; i++ {
		msgs = append(msgs, models.Message{
			ID:        fmt.Sprintf("m%d", i),
			Sender:    "boss",
			Recipient: "w1",
			Payload:   models.TextPayload(fmt.Sprintf("note %d", i)),
			CreatedAt: t0,
		})
	}
	msgs = append(msgs, models.Message{ID: "other", Sender: "boss", Recipient: "w2", Payload: models.TextPayload("x"), CreatedAt: t0})
	if err := db.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("InsertMessages failed: %v", err)
	}

	if n, _ := db.PendingMessageCount(ctx, "w1"); n != 3 {
		t.Errorf("pending = %d, want 3", n)
	}

	got, err := db.DrainMessages(ctx, "w1", t0.Add(time.Second))
	if err != nil {
		t.Fatalf("DrainMessages failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("drained %d, want 3", len(got))
	}
	for i, m := range got {
		if m.ID != fmt.Sprintf("m%d", i) || !m.Delivered {
			t.Errorf("message %d = %+v", i, m)
		}
	}
	if got[1].Payload.String() != "note 1" {
		t.Errorf("payload = %q", got[1].Payload.String())
	}

	again, _ := db.DrainMessages(ctx, "w1", t0)
	if len(again) != 0 {
		t.Errorf("redelivered %d messages", len(again))
	}
}

func TestDrainMessages_ConcurrentReceiversSplit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const n = 50
	var msgs []models.Message
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.Message{ID: fmt.Sprintf("m%02d", i), Sender: "s", Recipient: "w1", Payload: models.TextPayload("x"), CreatedAt: t0})
	}
	db.InsertMessages(ctx, msgs)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]int{}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := db.DrainMessages(ctx, "w1", t0)
			if err != nil {
				t.Errorf("DrainMessages failed: %v", err)
				return
			}
			mu.Lock()
			for _, m := range got {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("delivered %d distinct messages, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("message %s delivered %d times", id, c)
		}
	}
}

func TestArtifacts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.InsertArtifact(ctx, &models.Artifact{ID: "x", TaskID: "nope", Content: []byte("hi"), ContentType: "text/plain", CreatedAt: t0})
	if !errors.Is(err, models.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	submit(t, db, models.Task{ID: "a"}, t0)
	for i, body := range []string{"first", "second"} {
		a := &models.Artifact{ID: fmt.Sprintf("art-%d", i), TaskID: "a", Content: []byte(body), ContentType: "text/plain", CreatedAt: t0}
		if err := db.InsertArtifact(ctx, a); err != nil {
			t.Fatalf("InsertArtifact failed: %v", err)
		}
	}
	if err := db.InsertArtifact(ctx, &models.Artifact{ID: "empty", TaskID: "a", ContentType: "application/octet-stream", CreatedAt: t0}); err != nil {
		t.Fatalf("InsertArtifact with nil content failed: %v", err)
	}

	arts, err := db.ListArtifacts(ctx, "a")
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(arts) != 3 || string(arts[0].Content) != "first" || string(arts[1].Content) != "second" {
		t.Errorf("artifacts = %+v", arts)
	}
}
