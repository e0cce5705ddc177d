// Package worker drains the export queue. Each worker process runs N claim
// loops plus a reclaim sweep; everything a loop does is idempotent against
// workers on other machines because claiming is exclusive and completion
// updates are guarded by the claim holder.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"fieldproof/internal/canon"
	"fieldproof/internal/claim"
	"fieldproof/internal/config"
	"fieldproof/internal/domain"
	"fieldproof/internal/export"
	"fieldproof/internal/ledger"
	"fieldproof/internal/packet"
	"fieldproof/internal/repo"
)

type Worker struct {
	ID       string
	Repo     repo.Repo
	Claimer  claim.Claimer
	Packets  packet.Builder
	Exporter export.Exporter
	Ledger   ledger.Writer
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time
}

func (w Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run blocks until the context is canceled, running the configured number of
// claim loops and one reclaim sweep.
func (w Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Config.Export.Workers; i++ {
		loopID := fmt.Sprintf("%s-%d", w.ID, i)
		g.Go(func() error { return w.claimLoop(ctx, loopID) })
	}
	g.Go(func() error { return w.reclaimLoop(ctx) })
	return g.Wait()
}

// RunOnce claims and processes at most one job. The CLI uses it for drain
// runs and tests drive it directly.
func (w Worker) RunOnce(ctx context.Context, loopID string) error {
	job, err := w.Claimer.ClaimNext(ctx, loopID)
	if err != nil {
		return err
	}
	w.process(ctx, loopID, job)
	return nil
}

// claimLoop claims and processes jobs, backing off exponentially while the
// queue is empty and resetting on the next hit.
func (w Worker) claimLoop(ctx context.Context, loopID string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.Config.PollInterval()
	bo.MaxInterval = 4 * w.Config.PollInterval()
	bo.MaxElapsedTime = 0

	for {
		job, err := w.Claimer.ClaimNext(ctx, loopID)
		switch {
		case errors.Is(err, claim.ErrNoJobs):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger().Printf("worker %s: claim: %v", loopID, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		w.process(ctx, loopID, job)
	}
}

func (w Worker) process(ctx context.Context, loopID string, job domain.ExportJob) {
	w.appendEvent(ctx, job.OrgID, loopID, "export.job_claimed", job.ID, map[string]any{
		"export_job_id": job.ID, "worker_id": loopID,
	})

	artifact, err := w.export(ctx, job)
	completedAt := w.now().UTC().Format(time.RFC3339)
	if err != nil {
		w.logger().Printf("worker %s: export %s failed: %v", loopID, job.ID, err)
		if markErr := w.Repo.MarkExportFailed(ctx, job.ID, loopID, completedAt, err.Error()); markErr != nil {
			w.logger().Printf("worker %s: mark failed %s: %v", loopID, job.ID, markErr)
			return
		}
		w.appendEvent(ctx, job.OrgID, loopID, "export.job_failed", job.ID, map[string]any{
			"export_job_id": job.ID, "worker_id": loopID, "error": err.Error(),
		})
		return
	}
	if markErr := w.Repo.MarkExportSucceeded(ctx, job.ID, loopID, completedAt); markErr != nil {
		// Another worker reclaimed the job while this one was exporting; the
		// artifact is already on disk and the reclaimer will overwrite it.
		w.logger().Printf("worker %s: mark succeeded %s: %v", loopID, job.ID, markErr)
		return
	}
	w.appendEvent(ctx, job.OrgID, loopID, "export.job_completed", job.ID, map[string]any{
		"export_job_id": job.ID, "worker_id": loopID, "artifact": artifact,
	})
}

// export rebuilds the packet, re-verifies the stored hash and renders the
// bundle. A hash mismatch fails the job rather than shipping a packet that
// no longer matches what was signed.
func (w Worker) export(ctx context.Context, job domain.ExportJob) (string, error) {
	run, err := w.Repo.GetRun(ctx, job.RunID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", job.RunID, err)
	}
	payload, err := w.Packets.Build(ctx, run.JobID, run.PacketType)
	if err != nil {
		return "", fmt.Errorf("build packet: %w", err)
	}
	digest, _, err := canon.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash packet: %w", err)
	}
	if digest != run.DataHash {
		return "", fmt.Errorf("packet hash drifted since seal: stored %s, computed %s", run.DataHash, digest)
	}
	sigs, err := w.Repo.ListSignatures(ctx, run.ID)
	if err != nil {
		return "", err
	}
	active := sigs[:0]
	for _, s := range sigs {
		if s.Active() {
			active = append(active, s)
		}
	}
	return w.Exporter.Export(ctx, job, export.Bundle{Run: run, Packet: payload, Signatures: active})
}

// reclaimLoop periodically sweeps preparing jobs whose claim went stale back
// to the queue.
func (w Worker) reclaimLoop(ctx context.Context) error {
	interval := w.Config.ReclaimAfter() / 2
	if interval < w.Config.PollInterval() {
		interval = w.Config.PollInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		w.ReclaimStale(ctx)
	}
}

// ReclaimStale runs one reclaim sweep and records an event per reclaimed job.
func (w Worker) ReclaimStale(ctx context.Context) {
	cutoff := w.now().UTC().Add(-w.Config.ReclaimAfter()).Format(time.RFC3339)
	reclaimed, err := w.Repo.ReclaimStaleExports(ctx, cutoff)
	if err != nil {
		w.logger().Printf("worker %s: reclaim sweep: %v", w.ID, err)
		return
	}
	for _, job := range reclaimed {
		previous := ""
		if job.ClaimedBy != nil {
			previous = *job.ClaimedBy
		}
		w.logger().Printf("worker %s: reclaimed stale export %s from %s", w.ID, job.ID, previous)
		w.appendEvent(ctx, job.OrgID, w.ID, "export.job_reclaimed", job.ID, map[string]any{
			"export_job_id": job.ID, "previous_worker": previous,
		})
	}
}

func (w Worker) appendEvent(ctx context.Context, orgID, actorID, eventType, jobID string, meta map[string]any) {
	tx, err := w.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	err = w.Ledger.Append(ctx, tx, ledger.Entry{
		OrgID: orgID, ActorID: actorID, EventType: eventType,
		TargetType: "export_job", TargetID: jobID, Metadata: meta,
	})
	if err != nil {
		w.logger().Printf("worker %s: append %s: %v", w.ID, eventType, err)
		return
	}
	_ = tx.Commit()
}
