package optimize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"maestro/internal/config"
	"maestro/internal/llm"
	"maestro/internal/store"
	"maestro/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestScheduler(t *testing.T, stub *llm.StubClient) (*Scheduler, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	cfg := config.Default("p")
	o := NewOptimizer(s, stub, cfg)
	return NewScheduler(s, o, cfg), s
}

func TestEnqueueDeduplicates(t *testing.T) {
	sched, _ := newTestScheduler(t, &llm.StubClient{})

	assert.True(t, sched.Enqueue(types.AgentWriter, "implement", "low scores", 5))
	assert.False(t, sched.Enqueue(types.AgentWriter, "implement", "again", 9))
	assert.True(t, sched.Enqueue(types.AgentWriter, "review", "low scores", 3))
	assert.Equal(t, 2, sched.QueueLen())
}

func TestDequeuePriorityOrder(t *testing.T) {
	sched, _ := newTestScheduler(t, &llm.StubClient{})

	sched.Enqueue(types.AgentWriter, "low", "r", 1)
	sched.Enqueue(types.AgentWriter, "high", "r", 10)
	sched.Enqueue(types.AgentWriter, "mid", "r", 5)

	assert.Equal(t, "high", sched.dequeue().Template)
	assert.Equal(t, "mid", sched.dequeue().Template)
	assert.Equal(t, "low", sched.dequeue().Template)
	assert.Nil(t, sched.dequeue())
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	sched, _ := newTestScheduler(t, &llm.StubClient{})

	sched.Enqueue(types.AgentWriter, "first", "r", 5)
	sched.Enqueue(types.AgentWriter, "second", "r", 5)

	assert.Equal(t, "first", sched.dequeue().Template)
	assert.Equal(t, "second", sched.dequeue().Template)
}

func TestDequeueAllowsRequeue(t *testing.T) {
	sched, _ := newTestScheduler(t, &llm.StubClient{})

	sched.Enqueue(types.AgentWriter, "implement", "r", 5)
	sched.dequeue()
	assert.True(t, sched.Enqueue(types.AgentWriter, "implement", "r", 5),
		"dequeued templates may be queued again")
}

func TestCheckAndQueueEnqueuesPoorPerformers(t *testing.T) {
	sched, s := newTestScheduler(t, &llm.StubClient{})

	bad := seedProduction(t, s, types.AgentWriter, "implement")
	seedVersionEvals(t, s, bad.VersionID, 5.0, 4)

	good := seedProduction(t, s, types.AgentReviewer, "review")
	seedVersionEvals(t, s, good.VersionID, 8.5, 4)

	sparse := seedProduction(t, s, types.AgentValidator, "validate")
	seedVersionEvals(t, s, sparse.VersionID, 3.0, 2) // below min_samples_per_template=3

	n, err := sched.CheckAndQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item := sched.dequeue()
	require.NotNil(t, item)
	assert.Equal(t, "implement", item.Template)
	assert.Greater(t, item.Priority, 0)
}

func TestCheckAndQueueHonorsCooldown(t *testing.T) {
	sched, s := newTestScheduler(t, &llm.StubClient{})

	v := seedProduction(t, s, types.AgentWriter, "implement")
	seedVersionEvals(t, s, v.VersionID, 5.0, 4)
	require.NoError(t, s.Attempts.Create(&types.OptimizationAttempt{
		Agent: types.AgentWriter, TemplateName: "implement",
		Method: types.MethodOPRO, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	n, err := sched.CheckAndQueue()
	require.NoError(t, err)
	assert.Zero(t, n, "recent attempt suppresses re-queueing")

	// After the cooldown window the template is eligible again.
	sched.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	n, err = sched.CheckAndQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainRunsQueuedOptimizations(t *testing.T) {
	stub := &llm.StubClient{}
	sched, s := newTestScheduler(t, stub)

	v := seedProduction(t, s, types.AgentWriter, "implement")
	// Enough samples but healthy average: the optimizer run inside Drain
	// observes this and declines without calling the writer model.
	seedEvaluations(t, s, types.AgentWriter, v.VersionID,
		[]float64{8, 8, 8, 8, 8, 8, 8, 8, 8, 8})

	sched.Enqueue(types.AgentWriter, "implement", "manual", 5)
	sched.Drain(context.Background())

	assert.Zero(t, sched.QueueLen())
	assert.Empty(t, stub.Calls)
}
