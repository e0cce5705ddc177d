package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/migrate"
	"fieldproof/internal/repo"
)

func newTestQueue(t *testing.T, jobs int) (*sql.DB, db.Dialect) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn, Dialect: dialect}
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := time.Now().UTC()
	if err := r.InsertOrg(ctx, tx, domain.Org{ID: "org1", Name: "Acme", CreatedAt: now.Format(time.RFC3339)}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	if err := r.InsertJob(ctx, tx, domain.Job{ID: "job1", OrgID: "org1", Site: "site", CreatedAt: now.Format(time.RFC3339), UpdatedAt: now.Format(time.RFC3339)}); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := r.InsertRun(ctx, tx, domain.ReportRun{
		ID: "run1", OrgID: "org1", JobID: "job1", PacketType: "compliance",
		DataHash: "sha256:00", Status: domain.RunComplete, GeneratedBy: "u1",
		GeneratedAt: now.Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	for i := 0; i < jobs; i++ {
		j := domain.ExportJob{
			ID:    fmt.Sprintf("exp-%03d", i),
			OrgID: "org1", RunID: "run1", State: domain.ExportQueued,
			CreatedAt: now.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		}
		if err := r.InsertExportJob(ctx, tx, j); err != nil {
			t.Fatalf("insert export job: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return conn, dialect
}

func TestClaimNextOrdersByAge(t *testing.T) {
	conn, dialect := newTestQueue(t, 3)
	c := New(conn, dialect, nil)

	for i := 0; i < 3; i++ {
		job, err := c.ClaimNext(context.Background(), "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		want := fmt.Sprintf("exp-%03d", i)
		if job.ID != want {
			t.Fatalf("claim %d got %s, want %s", i, job.ID, want)
		}
		if job.State != domain.ExportPreparing {
			t.Fatalf("claimed state = %s", job.State)
		}
		if job.ClaimedBy == nil || *job.ClaimedBy != "w1" {
			t.Fatalf("claimed_by = %v", job.ClaimedBy)
		}
		if job.ClaimedAt == nil {
			t.Fatal("claimed_at not set")
		}
	}
	_, err := c.ClaimNext(context.Background(), "w1")
	if !errors.Is(err, ErrNoJobs) {
		t.Fatalf("empty queue: want ErrNoJobs, got %v", err)
	}
}

func TestConcurrentClaimersNeverShareAJob(t *testing.T) {
	const workers = 8
	const jobs = 40
	conn, dialect := newTestQueue(t, jobs)
	c := New(conn, dialect, nil)

	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := c.ClaimNext(context.Background(), workerID)
				if errors.Is(err, ErrNoJobs) {
					return
				}
				if err != nil {
					t.Errorf("worker %s: %v", workerID, err)
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d jobs, want %d", len(claimed), jobs)
	}
	var remaining int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM export_jobs WHERE state='queued'`).Scan(&remaining); err != nil {
		t.Fatalf("count queued: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("%d jobs left queued", remaining)
	}
}

func TestReclaimedJobCanBeClaimedAgain(t *testing.T) {
	conn, dialect := newTestQueue(t, 1)
	c := New(conn, dialect, nil)
	r := repo.Repo{DB: conn, Dialect: dialect}
	ctx := context.Background()

	job, err := c.ClaimNext(ctx, "w-dead")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Nothing to reclaim while the claim is fresh.
	cutoff := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	reclaimed, err := r.ReclaimStaleExports(ctx, cutoff)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("fresh claim reclaimed: %v", reclaimed)
	}

	// Past the deadline the job returns to the queue.
	cutoff = time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	reclaimed, err = r.ReclaimStaleExports(ctx, cutoff)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != job.ID {
		t.Fatalf("reclaimed = %v", reclaimed)
	}

	again, err := c.ClaimNext(ctx, "w-live")
	if err != nil {
		t.Fatalf("reclaim then claim: %v", err)
	}
	if again.ID != job.ID {
		t.Fatalf("claimed %s, want %s", again.ID, job.ID)
	}
	if again.ClaimedBy == nil || *again.ClaimedBy != "w-live" {
		t.Fatalf("claimed_by = %v", again.ClaimedBy)
	}
}
