package repo

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-booking-core/internal/domain"
)

var testPolicy = RetryPolicy{MaxAttempts: 5, BackoffBase: 30 * time.Second, BackoffCap: time.Hour}

func enqueueAt(t *testing.T, db *gorm.DB, id string, at time.Time) *domain.WebhookJob {
	t.Helper()
	job, err := EnqueuePaymentEvent(context.Background(), db, id, domain.EventPaymentCaptured, nil, &at)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// claimOne claims exactly one due job or fails the test.
func claimOne(t *testing.T, db *gorm.DB, now time.Time) domain.WebhookJob {
	t.Helper()
	jobs, err := ClaimWebhookBatch(context.Background(), db, 1, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want one claimed job, got %d", len(jobs))
	}
	return jobs[0]
}

func mustGetJob(t *testing.T, db *gorm.DB, id string) *domain.WebhookJob {
	t.Helper()
	job, err := GetWebhookJob(context.Background(), db, id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job
}

func TestWebhookBackoff(t *testing.T) {
	base, cap := 30*time.Second, time.Hour
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, 30 * time.Second},
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{3, 240 * time.Second},
		{6, 1920 * time.Second},
		{7, time.Hour},
		{1000, time.Hour},
	}
	for _, tc := range cases {
		if got := WebhookBackoff(tc.attempts, base, cap); got != tc.want {
			t.Fatalf("attempts=%d: want %v, got %v", tc.attempts, tc.want, got)
		}
	}
	for a := 0; a < 64; a++ {
		if got := WebhookBackoff(a, base, cap); got > cap {
			t.Fatalf("attempts=%d: %v exceeds cap", a, got)
		}
	}
}

func TestEnqueuePaymentEvent_PayloadAndValidation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ref := "prov-1"
	job, err := EnqueuePaymentEvent(ctx, db, "pi-1", domain.EventPaymentCaptured, &ref, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != domain.WebhookPending || job.AggregateType != domain.AggregatePaymentIntent ||
		job.AggregateID != "pi-1" || job.Attempts != 0 || job.LeaseID != nil {
		t.Fatalf("unexpected job: %+v", job)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(job.Payload), &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := map[string]any{"paymentIntentId": "pi-1", "event": "payment.captured", "providerRef": "prov-1"}
	if !reflect.DeepEqual(body, want) {
		t.Fatalf("payload: want %v, got %v", want, body)
	}

	job, err = EnqueuePaymentEvent(ctx, db, "pi-2", domain.EventPaymentFailed, nil, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(job.Payload, `"providerRef":null`) {
		t.Fatalf("want null providerRef, got %s", job.Payload)
	}

	if _, err := EnqueuePaymentEvent(ctx, db, "pi-3", "payment.refunded", nil, nil); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("want ErrUnknownEvent, got %v", err)
	}
}

func TestClaimWebhookBatch_DueOrderedAndExclusive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := enqueueAt(t, db, "a", now.Add(-time.Minute))
	b := enqueueAt(t, db, "b", now.Add(-time.Minute))
	enqueueAt(t, db, "future", now.Add(time.Hour))
	c := enqueueAt(t, db, "c", now)

	jobs, err := ClaimWebhookBatch(ctx, db, 2, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != a.ID || jobs[1].ID != b.ID {
		t.Fatalf("want [a b] oldest first, got %+v", jobs)
	}
	lease := jobs[0].Lease()
	if lease == "" || jobs[1].Lease() != lease {
		t.Fatalf("claimed jobs must carry the batch lease, got %q and %q", lease, jobs[1].Lease())
	}
	for _, j := range jobs {
		stored := mustGetJob(t, db, j.ID)
		if j.Status != domain.WebhookProcessing || stored.Status != domain.WebhookProcessing || stored.Lease() != lease {
			t.Fatalf("job %s not leased in Processing: %+v", j.ID, stored)
		}
	}

	jobs, err = ClaimWebhookBatch(ctx, db, 10, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != c.ID {
		t.Fatalf("want [c], got %+v", jobs)
	}
	if jobs[0].Lease() == lease {
		t.Fatalf("each claim must mint its own lease")
	}

	jobs, err = ClaimWebhookBatch(ctx, db, 10, now)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("want nothing due, got %d jobs err=%v", len(jobs), err)
	}
}

func TestAckWebhookSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueAt(t, db, "a", now)
	job := claimOne(t, db, now)

	if err := AckWebhookSuccess(ctx, db, job.ID, job.Lease(), now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	stored := mustGetJob(t, db, job.ID)
	if stored.Status != domain.WebhookSent || stored.Attempts != 1 || stored.LastError != nil || stored.LeaseID != nil {
		t.Fatalf("unexpected stored job: %+v", stored)
	}

	// Not Processing anymore.
	if err := AckWebhookSuccess(ctx, db, job.ID, job.Lease(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second ack: want ErrNotFound, got %v", err)
	}
	if err := AckWebhookSuccess(ctx, db, "missing", job.Lease(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: want ErrNotFound, got %v", err)
	}
}

func TestAckWebhookFailure_BackoffThenDeadLetter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueueAt(t, db, "a", now)
	for attempt := 0; attempt < testPolicy.MaxAttempts; attempt++ {
		claimed := claimOne(t, db, now)
		if claimed.Attempts != attempt {
			t.Fatalf("attempt %d: claimed with attempts=%d", attempt, claimed.Attempts)
		}

		status, err := AckWebhookFailure(ctx, db, job.ID, claimed.Lease(), claimed.Attempts, testPolicy, "HTTP 500 Internal Server Error: boom", now)
		if err != nil {
			t.Fatalf("attempt %d: ack failure: %v", attempt, err)
		}

		stored := mustGetJob(t, db, job.ID)
		if stored.Attempts != attempt+1 || stored.LeaseID != nil {
			t.Fatalf("attempt %d: unexpected stored job: %+v", attempt, stored)
		}
		if stored.LastError == nil || *stored.LastError != "HTTP 500 Internal Server Error: boom" {
			t.Fatalf("attempt %d: last error %v", attempt, stored.LastError)
		}

		if attempt+1 >= testPolicy.MaxAttempts {
			if status != domain.WebhookDeadLetter || stored.Status != domain.WebhookDeadLetter {
				t.Fatalf("want dead letter, got status=%v stored=%v", status, stored.Status)
			}
			break
		}
		if status != domain.WebhookFailed || stored.Status != domain.WebhookFailed {
			t.Fatalf("attempt %d: want failed, got status=%v stored=%v", attempt, status, stored.Status)
		}
		wantNext := now.Add(WebhookBackoff(attempt, testPolicy.BackoffBase, testPolicy.BackoffCap))
		if d := stored.NextAttemptAt.Sub(wantNext); d < -time.Millisecond || d > time.Millisecond {
			t.Fatalf("attempt %d: next attempt %v, want %v", attempt, stored.NextAttemptAt, wantNext)
		}

		// Not visible before the backoff elapses.
		early, err := ClaimWebhookBatch(ctx, db, 1, now)
		if err != nil || len(early) != 0 {
			t.Fatalf("attempt %d: claimed before backoff: %d jobs err=%v", attempt, len(early), err)
		}
		now = stored.NextAttemptAt
	}

	// Dead letters are never claimed or reclaimed again.
	jobs, err := ClaimWebhookBatch(ctx, db, 10, now.Add(24*time.Hour))
	if err != nil || len(jobs) != 0 {
		t.Fatalf("dead letter claimed: %d jobs err=%v", len(jobs), err)
	}
	n, err := ReclaimExpiredWebhooks(ctx, db, time.Minute, now.Add(24*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("dead letter reclaimed: n=%d err=%v", n, err)
	}
}

func TestAckWebhookFailure_TruncatesCauseAndGuardsStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := enqueueAt(t, db, "a", now)
	if _, err := AckWebhookFailure(ctx, db, job.ID, "", 0, testPolicy, "x", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pending jobs cannot be acknowledged, got %v", err)
	}

	claimed := claimOne(t, db, now)
	long := strings.Repeat("é", 1500)
	if _, err := AckWebhookFailure(ctx, db, job.ID, claimed.Lease(), 0, testPolicy, long, now); err != nil {
		t.Fatalf("ack failure: %v", err)
	}

	stored := mustGetJob(t, db, job.ID)
	if stored.LastError == nil {
		t.Fatalf("last error not stored")
	}
	if n := len([]rune(*stored.LastError)); n != MaxLastErrorRunes {
		t.Fatalf("want %d runes, got %d", MaxLastErrorRunes, n)
	}
}

func TestReclaimExpiredWebhooks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	claimedAt := time.Now().UTC()

	stale := enqueueAt(t, db, "stale", claimedAt)
	claimOne(t, db, claimedAt)
	fresh := enqueueAt(t, db, "fresh", claimedAt)
	claimOne(t, db, claimedAt.Add(4*time.Minute))

	now := claimedAt.Add(6 * time.Minute)
	if n, err := ReclaimExpiredWebhooks(ctx, db, 0, now); err != nil || n != 0 {
		t.Fatalf("zero visibility disables reclaim: n=%d err=%v", n, err)
	}
	if n, err := ReclaimExpiredWebhooks(ctx, db, 5*time.Minute, now); err != nil || n != 1 {
		t.Fatalf("want one reclaimed, got n=%d err=%v", n, err)
	}

	got := mustGetJob(t, db, stale.ID)
	if got.Status != domain.WebhookPending || got.Attempts != 0 || got.LeaseID != nil {
		t.Fatalf("stale job not returned to pending: %+v", got)
	}
	if got := mustGetJob(t, db, fresh.ID); got.Status != domain.WebhookProcessing {
		t.Fatalf("fresh lease must survive, got %v", got.Status)
	}

	if job := claimOne(t, db, now); job.ID != stale.ID {
		t.Fatalf("want reclaimed job claimable, got %s", job.ID)
	}
}

func TestRenewWebhookLease_KeepsJobFromReclaim(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	claimedAt := time.Now().UTC()
	visibility := time.Minute

	enqueueAt(t, db, "a", claimedAt)
	job := claimOne(t, db, claimedAt)

	// Renewed just before the lease would have expired.
	renewedAt := claimedAt.Add(50 * time.Second)
	if err := RenewWebhookLease(ctx, db, job.ID, job.Lease(), renewedAt); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if n, err := ReclaimExpiredWebhooks(ctx, db, visibility, claimedAt.Add(90*time.Second)); err != nil || n != 0 {
		t.Fatalf("renewed lease reclaimed: n=%d err=%v", n, err)
	}
	if err := RenewWebhookLease(ctx, db, job.ID, "other-lease", renewedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign lease: want ErrNotFound, got %v", err)
	}
	if err := AckWebhookSuccess(ctx, db, job.ID, job.Lease(), claimedAt.Add(95*time.Second)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := RenewWebhookLease(ctx, db, job.ID, job.Lease(), claimedAt.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("settled job: want ErrNotFound, got %v", err)
	}
}

func TestAckAfterLeaseLost_DoesNotSettleNewOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	enqueueAt(t, db, "a", t0)
	first := claimOne(t, db, t0)

	// The first holder stalls past its lease; a second claimer takes over.
	later := t0.Add(10 * time.Minute)
	if n, err := ReclaimExpiredWebhooks(ctx, db, time.Minute, later); err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	second := claimOne(t, db, later)
	if second.ID != first.ID || second.Lease() == first.Lease() {
		t.Fatalf("want same job under a new lease, got %+v", second)
	}

	if err := RenewWebhookLease(ctx, db, first.ID, first.Lease(), later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale renew: want ErrNotFound, got %v", err)
	}
	if err := AckWebhookSuccess(ctx, db, first.ID, first.Lease(), later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale success ack: want ErrNotFound, got %v", err)
	}
	if _, err := AckWebhookFailure(ctx, db, first.ID, first.Lease(), first.Attempts, testPolicy, "late", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale failure ack: want ErrNotFound, got %v", err)
	}
	if got := mustGetJob(t, db, first.ID); got.Status != domain.WebhookProcessing || got.Attempts != 0 || got.Lease() != second.Lease() {
		t.Fatalf("stale acks must not touch the new owner's job: %+v", got)
	}

	if err := AckWebhookSuccess(ctx, db, second.ID, second.Lease(), later); err != nil {
		t.Fatalf("owner ack: %v", err)
	}
}

// claimAll drains due jobs from db with several goroutines and records every
// claimed ID in seen.
func claimAll(t *testing.T, db *gorm.DB, workers, batch int, now time.Time, mu *sync.Mutex, seen map[string]int, wg *sync.WaitGroup) {
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var jobs []domain.WebhookJob
				err := untilSettled(t, func() error {
					var err error
					jobs, err = ClaimWebhookBatch(context.Background(), db, batch, now)
					return err
				})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
}

func assertClaimedOnce(t *testing.T, seen map[string]int, total int) {
	t.Helper()
	if len(seen) != total {
		t.Fatalf("want %d distinct jobs claimed, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimWebhookBatch_ConcurrentClaimersNeverShare(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()

	const total = 40
	for i := 0; i < total; i++ {
		enqueueAt(t, db, "pi", now.Add(-time.Second))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	claimAll(t, db, 4, 3, now, &mu, seen, &wg)
	wg.Wait()
	assertClaimedOnce(t, seen, total)
}

func TestClaimWebhookBatch_SeparateHandlesNeverShare(t *testing.T) {
	a, b := newTestDBPair(t)
	now := time.Now().UTC()

	const total = 200
	for i := 0; i < total; i++ {
		enqueueAt(t, a, "pi", now.Add(-time.Second))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	claimAll(t, a, 2, 7, now, &mu, seen, &wg)
	claimAll(t, b, 2, 7, now, &mu, seen, &wg)
	wg.Wait()
	assertClaimedOnce(t, seen, total)

	stats, err := WebhookQueueStats(context.Background(), b)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[domain.WebhookProcessing] != total {
		t.Fatalf("want %d processing, got %v", total, stats)
	}
}

func TestWebhookQueueStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	empty, err := WebhookQueueStats(ctx, db)
	if err != nil || len(empty) != 5 {
		t.Fatalf("want all five statuses, got %v err=%v", empty, err)
	}
	oldest, err := OldestDueWebhook(ctx, db, now)
	if err != nil || oldest != nil {
		t.Fatalf("empty queue: oldest=%v err=%v", oldest, err)
	}

	first := enqueueAt(t, db, "a", now)
	enqueueAt(t, db, "b", now)
	enqueueAt(t, db, "c", now)
	sent := claimOne(t, db, now)
	if err := AckWebhookSuccess(ctx, db, sent.ID, sent.Lease(), now); err != nil {
		t.Fatalf("ack: %v", err)
	}
	claimOne(t, db, now)

	stats, err := WebhookQueueStats(ctx, db)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[domain.WebhookPending] != 1 || stats[domain.WebhookProcessing] != 1 || stats[domain.WebhookSent] != 1 {
		t.Fatalf("unexpected counts: %v", stats)
	}

	oldest, err = OldestDueWebhook(ctx, db, now)
	if err != nil || oldest == nil {
		t.Fatalf("oldest: %v err=%v", oldest, err)
	}
	if oldest.Before(first.CreatedAt) {
		t.Fatalf("oldest due %v precedes first enqueue %v", oldest, first.CreatedAt)
	}
}

func TestListWebhookJobs_AndRequeueDeadLetter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dead := enqueueAt(t, db, "dead", now)
	enqueueAt(t, db, "live", now.Add(time.Hour))

	claimed := claimOne(t, db, now)
	status, err := AckWebhookFailure(ctx, db, dead.ID, claimed.Lease(), testPolicy.MaxAttempts-1, testPolicy, "HTTP 410 Gone: bye", now)
	if err != nil || status != domain.WebhookDeadLetter {
		t.Fatalf("want dead letter, got %v err=%v", status, err)
	}

	all, err := ListWebhookJobs(ctx, db, nil, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: %d jobs err=%v", len(all), err)
	}

	st := domain.WebhookDeadLetter
	dl, err := ListWebhookJobs(ctx, db, &st, 10)
	if err != nil || len(dl) != 1 || dl[0].ID != dead.ID {
		t.Fatalf("list dead letters: %+v err=%v", dl, err)
	}

	later := now.Add(time.Minute)
	if err := RequeueDeadLetter(ctx, db, dead.ID, later); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	stored := mustGetJob(t, db, dead.ID)
	if stored.Status != domain.WebhookPending || stored.Attempts != 0 || stored.LastError == nil {
		t.Fatalf("unexpected requeued job: %+v", stored)
	}
	if d := stored.NextAttemptAt.Sub(later); d < -time.Millisecond || d > time.Millisecond {
		t.Fatalf("next attempt %v, want %v", stored.NextAttemptAt, later)
	}

	// Only dead letters can be requeued.
	if err := RequeueDeadLetter(ctx, db, dead.ID, later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("requeue pending: want ErrNotFound, got %v", err)
	}
	if err := RequeueDeadLetter(ctx, db, "missing", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("requeue missing: want ErrNotFound, got %v", err)
	}

	if job := claimOne(t, db, later); job.ID != dead.ID {
		t.Fatalf("want requeued job claimable, got %s", job.ID)
	}
}
