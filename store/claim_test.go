package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/model"
)

func registerClaimWorker(t *testing.T, s *Store) int64 {
	t.Helper()
	worker, err := s.RegisterWorker("claim-test-host", 1234)
	require.NoError(t, err)
	return worker.ID
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	task, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	assert.Nil(t, task, "claim against an empty store must return nil, not error")
}

func TestClaimMarksTaskAndStartsJob(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	job, err := s.CreateJob("single")
	require.NoError(t, err)
	created, err := s.CreateTask(job.ID, nil, "noop", nil)
	require.NoError(t, err)

	claimed, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)
	assert.Equal(t, model.TaskStatusClaimed, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, workerID, *claimed.WorkerID)
	assert.NotNil(t, claimed.ClaimedAt)

	// First claim transitions the job PENDING→RUNNING with started_at set,
	// in the same transaction.
	loadedJob, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, loadedJob.Status)
	assert.NotNil(t, loadedJob.StartedAt)

	// Nothing else is eligible now.
	next, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	assert.Nil(t, next)
}

// Scenario from the task-ordering contract: submit job J with task A, then
// task B with A >> B. Claim → A. Claim → nil. Complete A. Claim → B.
func TestClaimRespectsTaskDependency(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	job, err := s.CreateJob("ordered")
	require.NoError(t, err)
	a, err := s.CreateTask(job.ID, nil, "step.a", nil)
	require.NoError(t, err)
	b, err := s.CreateTask(job.ID, nil, "step.b", nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDependencies(model.Then(
		[]model.Endpoint{a.Endpoint()},
		[]model.Endpoint{b.Endpoint()},
	)))

	first, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, a.ID, first.ID)

	blocked, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	assert.Nil(t, blocked, "B must be invisible while A is incomplete")

	first.Complete(nil)
	require.NoError(t, s.UpdateTask(first))

	second, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, b.ID, second.ID)
}

func TestClaimGroupDependencyCountsLateMembers(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	job, err := s.CreateJob("grouped")
	require.NoError(t, err)
	g, err := s.CreateGroup(job.ID, nil, "loaders")
	require.NoError(t, err)
	m1, err := s.CreateTask(job.ID, &g.ID, "load.one", nil)
	require.NoError(t, err)

	sink, err := s.CreateTask(job.ID, nil, "merge", nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDependencies(model.Then(
		[]model.Endpoint{g.Endpoint()},
		[]model.Endpoint{sink.Endpoint()},
	)))

	// A member added after the dependency was declared still gates the sink.
	m2, err := s.CreateTask(job.ID, &g.ID, "load.two", nil)
	require.NoError(t, err)

	m1.Complete(nil)
	require.NoError(t, s.UpdateTask(m1))

	claimed, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, m2.ID, claimed.ID, "only the remaining group member is claimable")

	claimed.Complete(nil)
	require.NoError(t, s.UpdateTask(claimed))

	after, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, sink.ID, after.ID, "sink unblocks once every group member completed")
}

func TestClaimEmptyGroupSatisfiesVacuously(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	job, err := s.CreateJob("vacuous")
	require.NoError(t, err)
	g, err := s.CreateGroup(job.ID, nil, "empty")
	require.NoError(t, err)
	sink, err := s.CreateTask(job.ID, nil, "after-empty", nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDependencies(model.Then(
		[]model.Endpoint{g.Endpoint()},
		[]model.Endpoint{sink.Endpoint()},
	)))

	claimed, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, sink.ID, claimed.ID)
}

func TestClaimTaskToGroupAndGroupToGroup(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	job, err := s.CreateJob("group-endpoints")
	require.NoError(t, err)

	gate, err := s.CreateTask(job.ID, nil, "gate", nil)
	require.NoError(t, err)
	upstream, err := s.CreateGroup(job.ID, nil, "upstream")
	require.NoError(t, err)
	up1, err := s.CreateTask(job.ID, &upstream.ID, "up.one", nil)
	require.NoError(t, err)

	blocked, err := s.CreateGroup(job.ID, nil, "blocked")
	require.NoError(t, err)
	// gate >> blocked (task→group) and upstream >> blocked (group→group).
	require.NoError(t, s.AddDependencies(model.Then(
		[]model.Endpoint{gate.Endpoint(), upstream.Endpoint()},
		[]model.Endpoint{blocked.Endpoint()},
	)))
	member, err := s.CreateTask(job.ID, &blocked.ID, "blocked.member", nil)
	require.NoError(t, err)

	// gate and up.one are claimable; blocked.member is not.
	var claimedIDs []int64
	for i := 0; i < 2; i++ {
		task, err := s.ClaimNextTask(workerID)
		require.NoError(t, err)
		require.NotNil(t, task)
		claimedIDs = append(claimedIDs, task.ID)
		task.Complete(nil)
		require.NoError(t, s.UpdateTask(task))
	}
	assert.ElementsMatch(t, []int64{gate.ID, up1.ID}, claimedIDs)

	final, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, member.ID, final.ID)
}

func TestClaimPrefersOldestStartedJob(t *testing.T) {
	s := newTestStore(t)
	workerID := registerClaimWorker(t, s)

	older, err := s.CreateJob("older")
	require.NoError(t, err)
	olderFirst, err := s.CreateTask(older.ID, nil, "older.first", nil)
	require.NoError(t, err)
	olderSecond, err := s.CreateTask(older.ID, nil, "older.second", nil)
	require.NoError(t, err)

	newer, err := s.CreateJob("newer")
	require.NoError(t, err)
	_, err = s.CreateTask(newer.ID, nil, "newer.only", nil)
	require.NoError(t, err)

	// Start the older job by claiming its first task.
	first, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, olderFirst.ID, first.ID, "smallest task id of the first job wins initially")

	// The running (older) job keeps priority over the unstarted one.
	second, err := s.ClaimNextTask(workerID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, olderSecond.ID, second.ID)
}

// Concurrency contract: against N independent eligible tasks, N concurrent
// claimants receive exactly N distinct tasks; no id is handed out twice.
func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	s := newTestStore(t)

	job, err := s.CreateJob("contended")
	require.NoError(t, err)

	const n = 8
	for i := 0; i < n; i++ {
		_, err := s.CreateTask(job.ID, nil, "independent", nil)
		require.NoError(t, err)
	}

	workerIDs := make([]int64, n)
	for i := range workerIDs {
		worker, err := s.RegisterWorker("contender", 1000+i)
		require.NoError(t, err)
		workerIDs[i] = worker.ID
	}

	var mu sync.Mutex
	claimed := make(map[int64]int64) // task id -> worker id
	var wg sync.WaitGroup
	for _, workerID := range workerIDs {
		wg.Add(1)
		go func(wid int64) {
			defer wg.Done()
			task, err := s.ClaimNextTask(wid)
			if err != nil {
				t.Errorf("claim failed for worker %d: %v", wid, err)
				return
			}
			if task == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[task.ID]; dup {
				t.Errorf("task %d claimed by both worker %d and worker %d", task.ID, prev, wid)
			}
			claimed[task.ID] = wid
		}(workerID)
	}
	wg.Wait()

	assert.Len(t, claimed, n, "every claimant must get a distinct task")

	loadedJob, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, loadedJob.Status)
}

// A lost race between claimants must resolve by queueing and retrying, never
// by surfacing a busy error: every one of many simultaneous claimants walks
// away with its own task.
func TestHeavyContentionClaimsWithoutErrors(t *testing.T) {
	s := newTestStore(t)

	job, err := s.CreateJob("stampede")
	require.NoError(t, err)

	const n = 32
	for i := 0; i < n; i++ {
		_, err := s.CreateTask(job.ID, nil, "independent", nil)
		require.NoError(t, err)
	}

	workerIDs := make([]int64, n)
	for i := range workerIDs {
		worker, err := s.RegisterWorker("stampede-host", 2000+i)
		require.NoError(t, err)
		workerIDs[i] = worker.ID
	}

	var mu sync.Mutex
	claimed := make(map[int64]struct{})
	var wg sync.WaitGroup
	for _, workerID := range workerIDs {
		wg.Add(1)
		go func(wid int64) {
			defer wg.Done()
			task, err := s.ClaimNextTask(wid)
			if err != nil {
				t.Errorf("claim for worker %d surfaced a store error: %v", wid, err)
				return
			}
			if task == nil {
				t.Errorf("claim for worker %d came back empty with %d eligible tasks", wid, n)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := claimed[task.ID]; dup {
				t.Errorf("task %d handed out twice", task.ID)
			}
			claimed[task.ID] = struct{}{}
		}(workerID)
	}
	wg.Wait()

	assert.Len(t, claimed, n)
}
