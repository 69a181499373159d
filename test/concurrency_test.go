package test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shotcap/pkg/domain"

	"github.com/pkg/errors"
)

func testContent(deviceID string) *domain.ShotContent {
	return &domain.ShotContent{
		DeviceID: deviceID,
		URL:      "https://example.com/page",
		DocTitle: "Example",
		Body:     "<p>racing</p>",
	}
}

// Many devices race to claim the same shot id. Exactly one insert may land;
// every other device must be turned away as a non-owner, never silently
// overwrite.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	const racers = 32
	var created int64
	var notOwner int64
	var wg sync.WaitGroup
	errCh := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			deviceID := fmt.Sprintf("racer%02d", n)
			result, err := stack.shot.InsertOrUpdate(ctx, "contested", "example.com", deviceID, testContent(deviceID))
			if err != nil {
				if errors.Is(err, domain.ErrNotOwner) {
					atomic.AddInt64(&notOwner, 1)
					return
				}
				errCh <- err
				return
			}
			if result.Created {
				atomic.AddInt64(&created, 1)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
	if notOwner != racers-1 {
		t.Fatalf("notOwner = %d, want %d", notOwner, racers-1)
	}
}

// The same device writing the same shot concurrently gets one create and
// otherwise clean updates.
func TestConcurrentUpsertSameDevice(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	const writers = 16
	var created int64
	var updated int64
	var wg sync.WaitGroup
	errCh := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := stack.shot.InsertOrUpdate(ctx, "upsert", "example.com", "abc123", testContent("abc123"))
			if err != nil {
				errCh <- err
				return
			}
			if result.Created {
				atomic.AddInt64(&created, 1)
			} else {
				atomic.AddInt64(&updated, 1)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
	if updated != writers-1 {
		t.Fatalf("updated = %d, want %d", updated, writers-1)
	}
}

// A writer that passed the owner pre-check but lost the row to a delete and
// re-create must not clobber the new owner's content: the update statement
// itself carries the ownership gate.
func TestStaleUpdaterCannotOverwriteNewOwner(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	if _, err := stack.shot.InsertOrUpdate(ctx, "stale", "example.com", "deviceA", testContent("deviceA")); err != nil {
		t.Fatal(err)
	}
	if err := stack.shot.Delete(ctx, "stale", "example.com", "deviceA"); err != nil {
		t.Fatal(err)
	}
	content := testContent("deviceB")
	content.Body = "<p>B content</p>"
	if _, err := stack.shot.InsertOrUpdate(ctx, "stale", "example.com", "deviceB", content); err != nil {
		t.Fatal(err)
	}

	staleShot := &domain.Shot{
		ID:        "stale/example.com",
		Domain:    "example.com",
		DeviceID:  "deviceA",
		URL:       "https://example.com/page",
		Body:      "<p>A overwrite</p>",
		UpdatedAt: time.Now(),
	}
	_, _, ok, err := stack.db.UpdateShot(ctx, staleShot, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale updater claimed the re-created shot")
	}
	got, err := stack.db.GetShot(ctx, "stale/example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "deviceB" || got.Body != "<p>B content</p>" {
		t.Fatalf("new owner's shot was overwritten: owner=%q body=%q", got.DeviceID, got.Body)
	}
}

// A state token is consumed by exactly one caller no matter how many race.
func TestOAuthStateSingleUse(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	params, err := stack.oauth.Begin(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}

	const callers = 16
	var consumed int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := stack.db.ConsumeOAuthState(ctx, "abc123", params.State)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt64(&consumed, 1)
			}
		}()
	}
	wg.Wait()
	if consumed != 1 {
		t.Fatalf("state consumed %d times, want exactly 1", consumed)
	}
}

// Only one handshake may be outstanding per device at a time. Consuming the
// state frees the device for a new one.
func TestOAuthBeginRejectsPendingState(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	params, err := stack.oauth.Begin(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stack.oauth.Begin(ctx, "abc123"); !errors.Is(err, domain.ErrHandshakePending) {
		t.Fatalf("second begin returned %v, want pending-handshake rejection", err)
	}
	if ok, err := stack.db.ConsumeOAuthState(ctx, "abc123", params.State); err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	if _, err := stack.oauth.Begin(ctx, "abc123"); err != nil {
		t.Fatalf("begin after consume returned %v", err)
	}
}

func TestOAuthStateDeviceBound(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	params, err := stack.oauth.Begin(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := stack.db.ConsumeOAuthState(ctx, "someoneelse", params.State)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("state minted for abc123 consumed by another device")
	}
	ok, err = stack.db.ConsumeOAuthState(ctx, "abc123", params.State)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("owner could not consume its own state")
	}
}

// A shot whose expiry lapses disappears from reads, clip images included,
// even before the cleaner runs.
func TestLazyExpiry(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	content := testContent("abc123")
	content.Clips = map[string]domain.ClipUpload{
		"clip1": {ContentType: "image/png", Data: []byte("clip-bytes")},
	}
	if _, err := stack.shot.InsertOrUpdate(ctx, "shortlived", "example.com", "abc123", content); err != nil {
		t.Fatal(err)
	}
	if err := stack.shot.SetExpiration(ctx, "shortlived", "example.com", "abc123", 1); err != nil {
		t.Fatal(err)
	}
	shot, err := stack.shot.Get(ctx, "shortlived", "example.com")
	if err != nil {
		t.Fatalf("shot should still be readable before expiry: %v", err)
	}
	imageID := shot.Clips["clip1"].ImageID
	if _, err := stack.shot.GetClipImage(ctx, imageID); err != nil {
		t.Fatalf("clip should still be served before expiry: %v", err)
	}
	time.Sleep(1200 * time.Millisecond)
	if _, err := stack.shot.Get(ctx, "shortlived", "example.com"); !errors.Is(err, domain.ErrShotNotFound) {
		t.Fatalf("expired shot read returned %v, want not-found", err)
	}
	if _, err := stack.shot.GetClipImage(ctx, imageID); !errors.Is(err, domain.ErrImageNotFound) {
		t.Fatalf("expired shot's clip still served: %v", err)
	}
}

func TestSetExpirationValidation(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	if _, err := stack.shot.InsertOrUpdate(ctx, "exp", "example.com", "abc123", testContent("abc123")); err != nil {
		t.Fatal(err)
	}
	if err := stack.shot.SetExpiration(ctx, "exp", "example.com", "abc123", -1); !errors.Is(err, domain.ErrInvalidExpiration) {
		t.Fatalf("negative expiration returned %v", err)
	}
	if err := stack.shot.SetExpiration(ctx, "exp", "example.com", "abc123", 3600); err != nil {
		t.Fatal(err)
	}
	// zero clears the deadline again
	if err := stack.shot.SetExpiration(ctx, "exp", "example.com", "abc123", 0); err != nil {
		t.Fatal(err)
	}
	shot, err := stack.shot.Get(ctx, "exp", "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if shot.ExpiresAt != nil {
		t.Fatalf("expiration not cleared: %v", shot.ExpiresAt)
	}
}

// Account closure removes every shot the device owns and nothing else.
func TestDeleteAllForDevice(t *testing.T) {
	stack := createTestStack(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("mine%d", i)
		if _, err := stack.shot.InsertOrUpdate(ctx, id, "example.com", "abc123", testContent("abc123")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := stack.shot.InsertOrUpdate(ctx, "theirs", "example.com", "xyz789", testContent("xyz789")); err != nil {
		t.Fatal(err)
	}

	if err := stack.shot.DeleteAllForDevice(ctx, "abc123"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("mine%d", i)
		if _, err := stack.db.GetShot(ctx, id+"/example.com"); !errors.Is(err, domain.ErrShotNotFound) {
			t.Fatalf("%s survived cascade: %v", id, err)
		}
	}
	if _, err := stack.db.GetShot(ctx, "theirs/example.com"); err != nil {
		t.Fatalf("unrelated shot removed by cascade: %v", err)
	}
}
