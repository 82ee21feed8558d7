package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmflow-ai/kmflow/internal/model"
	"github.com/kmflow-ai/kmflow/internal/storage"
	"github.com/kmflow-ai/kmflow/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	ctx := context.Background()
	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func createEngagement(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := testDB.CreateEngagement(context.Background(), model.Engagement{
		Name:         t.Name(),
		BusinessArea: "payments",
		AuthorityScopes: map[string]float64{
			"compliance": 0.9,
			"operations": 0.6,
		},
	})
	require.NoError(t, err)
	return id
}

func insertEvidence(t *testing.T, engagementID uuid.UUID, hash string, principal *string) uuid.UUID {
	t.Helper()
	id, err := testDB.InsertEvidence(context.Background(), model.EvidenceItem{
		EngagementID: engagementID,
		Category:     model.CategoryProcessDocs,
		Format:       "text/plain",
		BlobRef:      "file:///tmp/" + hash,
		ContentHash:  hash,
		SourcePlane:  model.PlaneDocument,
		Principal:    principal,
		Quality:      model.QualityScores{Consistency: 1.0},
	})
	require.NoError(t, err)
	return id
}

func activityRef(name string) model.NodeRef {
	return model.NodeRef{Type: model.NodeActivity, ID: uuid.New(), Name: name}
}

func insertAssertion(t *testing.T, engagementID uuid.UUID, evidenceID uuid.UUID, subject, object model.NodeRef) uuid.UUID {
	t.Helper()
	id, err := testDB.InsertAssertion(context.Background(), model.Assertion{
		EngagementID:   engagementID,
		Subject:        subject,
		Predicate:      model.PredPrecedes,
		Object:         object,
		FrameKind:      model.FrameProcedural,
		AuthorityScope: "operations",
		SourcePlane:    model.PlaneDocument,
		EvidenceID:     &evidenceID,
		AssertedAt:     time.Now().UTC(),
		Validity:       model.Validity{From: time.Now().UTC().Add(-time.Hour)},
	})
	require.NoError(t, err)
	return id
}

func TestInsertEvidenceDedupe(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()

	first := insertEvidence(t, eng, "hash-dedupe", nil)

	dup, err := testDB.InsertEvidence(ctx, model.EvidenceItem{
		EngagementID: eng,
		Category:     model.CategoryProcessDocs,
		Format:       "text/plain",
		BlobRef:      "file:///tmp/resubmitted",
		ContentHash:  "hash-dedupe",
		SourcePlane:  model.PlaneDocument,
	})
	require.ErrorIs(t, err, model.ErrDuplicateIgnored)
	assert.Equal(t, first, dup, "duplicate must surface the existing item's id")

	// Same content in another engagement is not a duplicate.
	other := createEngagement(t)
	again, err := testDB.InsertEvidence(ctx, model.EvidenceItem{
		EngagementID: other,
		Category:     model.CategoryProcessDocs,
		Format:       "text/plain",
		BlobRef:      "file:///tmp/elsewhere",
		ContentHash:  "hash-dedupe",
		SourcePlane:  model.PlaneDocument,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, again)
}

func TestLifecycleCAS(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	id := insertEvidence(t, eng, "hash-lifecycle", nil)
	reviewer := "alex"

	require.NoError(t, testDB.TransitionLifecycle(ctx, eng, id, model.LifecyclePending, model.LifecycleValidated, &reviewer))

	// A stale writer that still believes the item is pending loses the race.
	err := testDB.TransitionLifecycle(ctx, eng, id, model.LifecyclePending, model.LifecycleValidated, &reviewer)
	var illegal *model.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, "validated", illegal.From)

	err = testDB.TransitionLifecycle(ctx, eng, uuid.New(), model.LifecyclePending, model.LifecycleValidated, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	item, err := testDB.GetEvidence(ctx, eng, id)
	require.NoError(t, err)
	assert.Equal(t, model.LifecycleValidated, item.Lifecycle)
	require.NotNil(t, item.ValidatedBy)
	assert.Equal(t, "alex", *item.ValidatedBy)
}

func TestEvidenceQuotaAndClosedEngagement(t *testing.T) {
	ctx := context.Background()
	eng, err := testDB.CreateEngagement(ctx, model.Engagement{Name: t.Name(), EvidenceQuota: 1})
	require.NoError(t, err)

	insertEvidence(t, eng, "hash-quota-1", nil)
	_, err = testDB.InsertEvidence(ctx, model.EvidenceItem{
		EngagementID: eng,
		Category:     model.CategoryProcessDocs,
		ContentHash:  "hash-quota-2",
		SourcePlane:  model.PlaneDocument,
	})
	require.ErrorIs(t, err, model.ErrQuotaExceeded)

	require.NoError(t, testDB.CloseEngagement(ctx, eng))
	_, err = testDB.InsertEvidence(ctx, model.EvidenceItem{
		EngagementID: eng,
		Category:     model.CategoryProcessDocs,
		ContentHash:  "hash-quota-3",
		SourcePlane:  model.PlaneDocument,
	})
	require.ErrorIs(t, err, model.ErrEngagementClosed)
}

func TestConflictUpsertIdempotent(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	ev := insertEvidence(t, eng, "hash-conflict", nil)
	a := insertAssertion(t, eng, ev, activityRef("kyc review"), activityRef("payout"))
	b := insertAssertion(t, eng, ev, activityRef("payout"), activityRef("kyc review"))

	id1, isNew, err := testDB.UpsertConflict(ctx, model.ConflictObject{
		EngagementID: eng,
		MismatchType: model.MismatchSequence,
		SourceARef:   a,
		SourceBRef:   b,
		Severity:     0.4,
	})
	require.NoError(t, err)
	assert.True(t, isNew)

	// Re-detection with the pair reversed refreshes severity, no new row.
	id2, isNew, err := testDB.UpsertConflict(ctx, model.ConflictObject{
		EngagementID: eng,
		MismatchType: model.MismatchSequence,
		SourceARef:   b,
		SourceBRef:   a,
		Severity:     0.7,
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)

	c, err := testDB.GetConflict(ctx, eng, id1)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, c.Severity, 1e-9)
	assert.Equal(t, model.ConflictOpen, c.Status)

	// A different mismatch type over the same pair is a distinct conflict.
	_, isNew, err = testDB.UpsertConflict(ctx, model.ConflictObject{
		EngagementID: eng,
		MismatchType: model.MismatchExistence,
		SourceARef:   a,
		SourceBRef:   b,
		Severity:     0.2,
	})
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestConflictEscalation(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	ev := insertEvidence(t, eng, "hash-escalate", nil)
	a := insertAssertion(t, eng, ev, activityRef("approve"), activityRef("pay"))
	b := insertAssertion(t, eng, ev, activityRef("pay"), activityRef("approve"))

	id, _, err := testDB.UpsertConflict(ctx, model.ConflictObject{
		EngagementID: eng,
		MismatchType: model.MismatchRole,
		SourceARef:   a,
		SourceBRef:   b,
		Severity:     0.5,
	})
	require.NoError(t, err)

	// Fresh conflicts are not stale.
	ids, err := testDB.EscalateStaleConflicts(ctx, eng, 48*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = testDB.EscalateStaleConflicts(ctx, eng, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])

	c, err := testDB.GetConflict(ctx, eng, id)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictEscalated, c.Status)
}

func TestTaskQueueFlow(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()

	id, err := testDB.CreateTask(ctx, model.Task{Kind: model.TaskScan, EngagementID: eng})
	require.NoError(t, err)

	batch, err := testDB.FetchUnenqueuedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, taskIDs(batch, eng), 1)

	// The lease keeps a second pump from double publishing.
	batch2, err := testDB.FetchUnenqueuedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, taskIDs(batch2, eng))

	require.NoError(t, testDB.MarkTasksEnqueued(ctx, []uuid.UUID{id}))

	claimed, err := testDB.ClaimTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A duplicate delivery collapses.
	claimed, err = testDB.ClaimTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Retry: queued again with the backoff lease holding the pump off.
	require.NoError(t, testDB.RequeueTask(ctx, id, "transient failure", time.Hour))
	batch3, err := testDB.FetchUnenqueuedTasks(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, taskIDs(batch3, eng), "backoff lease must hold the task back")

	task, err := testDB.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "transient failure", *task.LastError)

	claimed, err = testDB.ClaimTask(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, testDB.CompleteTask(ctx, id, model.TaskSucceeded, []byte(`{"ok":true}`), nil))

	task, err = testDB.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, task.Status)
	assert.Equal(t, 2, task.Attempts)

	// Terminal tasks cannot be cancelled.
	ok, err := testDB.RequestTaskCancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func taskIDs(tasks []model.Task, engagementID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, task := range tasks {
		if task.EngagementID == engagementID {
			out = append(out, task.ID)
		}
	}
	return out
}

func TestOutboxQueueAndDrain(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	ev := insertEvidence(t, eng, "hash-outbox", nil)

	require.NoError(t, testDB.QueueEvidenceProjection(ctx, eng, ev, "process_docs", "document"))

	entries, err := testDB.FetchOutbox(ctx, 100)
	require.NoError(t, err)

	var mine []storage.OutboxEntry
	for _, e := range entries {
		if e.EngagementID == eng {
			mine = append(mine, e)
		}
	}
	require.Len(t, mine, 1)
	assert.Equal(t, storage.OutboxMergeEvidence, mine[0].Operation)

	require.NoError(t, testDB.SucceedOutbox(ctx, []int64{mine[0].ID}))
	dead, err := testDB.OutboxDeadLetters(ctx, eng)
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestSupersedeAssertion(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	ev := insertEvidence(t, eng, "hash-supersede", nil)
	oldID := insertAssertion(t, eng, ev, activityRef("kyc review"), activityRef("payout"))

	newID, err := testDB.SupersedeAssertion(ctx, eng, oldID, model.Assertion{
		EngagementID:   eng,
		Subject:        activityRef("kyc screening"),
		Predicate:      model.PredPrecedes,
		Object:         activityRef("payout"),
		FrameKind:      model.FrameProcedural,
		AuthorityScope: "operations",
		SourcePlane:    model.PlaneDocument,
		EvidenceID:     &ev,
		AssertedAt:     time.Now().UTC(),
		Validity:       model.Validity{From: time.Now().UTC()},
	})
	require.NoError(t, err)

	old, err := testDB.GetAssertion(ctx, eng, oldID)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, newID, *old.SupersededBy)
	assert.NotNil(t, old.RetractedAt)

	replacement, err := testDB.GetAssertion(ctx, eng, newID)
	require.NoError(t, err)
	assert.Nil(t, replacement.RetractedAt)
	assert.Equal(t, "kyc screening", replacement.Subject.Name)
}

func TestLinkSupersession(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	ev := insertEvidence(t, eng, "hash-link-supersede", nil)
	oldID := insertAssertion(t, eng, ev, activityRef("manual approval"), activityRef("payout"))
	newID := insertAssertion(t, eng, ev, activityRef("automated approval"), activityRef("payout"))

	require.NoError(t, testDB.LinkSupersession(ctx, eng, oldID, newID))

	old, err := testDB.GetAssertion(ctx, eng, oldID)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, newID, *old.SupersededBy)
	assert.NotNil(t, old.RetractedAt)
	assert.NotNil(t, old.Validity.To)

	// The newer row stays live and untouched.
	newer, err := testDB.GetAssertion(ctx, eng, newID)
	require.NoError(t, err)
	assert.Nil(t, newer.RetractedAt)
	assert.Nil(t, newer.SupersededBy)

	// Re-linking an already-superseded row is rejected.
	err = testDB.LinkSupersession(ctx, eng, oldID, newID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestErasePrincipal(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()
	subject := "jordan@example.com"

	kept := insertEvidence(t, eng, "hash-erasure-kept", nil)
	erased := insertEvidence(t, eng, "hash-erasure-gone", &subject)
	supported := insertAssertion(t, eng, erased, activityRef("interview"), activityRef("writeup"))

	report, err := testDB.ErasePrincipal(ctx, eng, subject, "gdpr request")
	require.NoError(t, err)
	assert.Equal(t, 1, report.EvidenceDeleted)
	assert.Equal(t, 1, report.AssertionsRetracted)
	assert.Equal(t, []uuid.UUID{erased}, report.EvidenceIDs)

	_, err = testDB.GetEvidence(ctx, eng, erased)
	require.True(t, errors.Is(err, storage.ErrNotFound))

	_, err = testDB.GetEvidence(ctx, eng, kept)
	require.NoError(t, err)

	a, err := testDB.GetAssertion(ctx, eng, supported)
	require.NoError(t, err)
	assert.NotNil(t, a.RetractedAt)

	// Re-running is a no-op.
	report, err = testDB.ErasePrincipal(ctx, eng, subject, "gdpr request")
	require.NoError(t, err)
	assert.Zero(t, report.EvidenceDeleted)
}

func TestSeedTermMerge(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()

	a, err := testDB.CreateSeedTerm(ctx, model.SeedTerm{
		EngagementID: eng, Term: "KYC Review", Category: model.SeedActivity, Source: model.SeedSourceConsultant,
	})
	require.NoError(t, err)
	b, err := testDB.CreateSeedTerm(ctx, model.SeedTerm{
		EngagementID: eng, Term: "KYC Screening", Category: model.SeedActivity, Source: model.SeedSourceConsultant,
	})
	require.NoError(t, err)

	require.NoError(t, testDB.MergeSeedTerm(ctx, eng, a, b))

	merged, err := testDB.GetSeedTerm(ctx, eng, a)
	require.NoError(t, err)
	assert.Equal(t, model.SeedStatusMerged, merged.Status)
	require.NotNil(t, merged.MergedInto)
	assert.Equal(t, b, *merged.MergedInto)
}

func TestProcessModelVersioning(t *testing.T) {
	eng := createEngagement(t)
	ctx := context.Background()

	v1, err := testDB.InsertProcessModel(ctx, model.ProcessModel{
		ID:           uuid.New(),
		EngagementID: eng,
		Elements: []model.ProcessElement{{
			ID: uuid.New(), EngagementID: eng,
			Type: model.ElementActivity, Name: "kyc review",
			Confidence: 0.8, Grade: model.GradeB, Brightness: model.BrightnessBright,
			Status: model.ElementPending,
		}},
		GeneratedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := testDB.InsertProcessModel(ctx, model.ProcessModel{
		ID:           uuid.New(),
		EngagementID: eng,
		GeneratedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	latest, err := testDB.GetProcessModel(ctx, eng, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	older, err := testDB.GetProcessModel(ctx, eng, 1)
	require.NoError(t, err)
	require.Len(t, older.Elements, 1)
	assert.Equal(t, "kyc review", older.Elements[0].Name)
}
