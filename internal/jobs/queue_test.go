package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoslice/internal/progress"
)

func newQueue(t *testing.T, workers int) (*Queue, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "jobs")
	q, err := NewQueue(dir, workers, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, dir
}

func TestSubmitCompletes(t *testing.T) {
	q, dir := newQueue(t, 2)

	j := q.Submit(context.Background(), KindExport, "p1", "retz", func(ctx context.Context) (string, error) {
		return "/out/retz.zip", nil
	})
	assert.Equal(t, StatusPending, j.Status)

	done, err := q.Wait(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "/out/retz.zip", done.OutputPath)
	assert.Equal(t, 100.0, done.Percent)
	assert.NotEmpty(t, done.StartedAt)
	assert.NotEmpty(t, done.CompletedAt)

	stored, err := LoadFromFile(filepath.Join(dir, j.ID+".json"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestFailedJobKeepsError(t *testing.T) {
	q, _ := newQueue(t, 1)
	boom := errors.New("wms unreachable")

	j := q.Submit(context.Background(), KindBuild, "p1", "retz", func(ctx context.Context) (string, error) {
		return "", boom
	})
	done, err := q.Wait(context.Background(), j.ID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "wms unreachable", done.Error)
}

func TestWorkersBoundConcurrency(t *testing.T) {
	q, _ := newQueue(t, 1)
	var running, peak int32
	release := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return "", nil
	}
	a := q.Submit(context.Background(), KindExport, "a", "a", fn)
	b := q.Submit(context.Background(), KindExport, "b", "b", fn)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, 5*time.Millisecond)
	statuses := map[Status]int{}
	for _, j := range q.List() {
		statuses[j.Status]++
	}
	assert.Equal(t, map[Status]int{StatusRunning: 1, StatusPending: 1}, statuses)

	close(release)
	_, err := q.Wait(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = q.Wait(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestCancelRunningJob(t *testing.T) {
	q, _ := newQueue(t, 1)
	started := make(chan struct{})

	j := q.Submit(context.Background(), KindExport, "p1", "retz", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	<-started
	require.NoError(t, q.Cancel(j.ID))

	done, err := q.Wait(context.Background(), j.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.ErrorIs(t, q.Cancel(j.ID), ErrFinished)
}

func TestCancelPendingJob(t *testing.T) {
	q, _ := newQueue(t, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	blocker := q.Submit(context.Background(), KindBuild, "a", "a", func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	})
	<-started
	var ran int32
	pending := q.Submit(context.Background(), KindBuild, "b", "b", func(ctx context.Context) (string, error) {
		atomic.StoreInt32(&ran, 1)
		return "", nil
	})

	require.NoError(t, q.Cancel(pending.ID))
	done, err := q.Wait(context.Background(), pending.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))

	close(release)
	_, err = q.Wait(context.Background(), blocker.ID)
	require.NoError(t, err)
}

func TestProgressIsRecordedAndForwarded(t *testing.T) {
	q, _ := newQueue(t, 1)
	rec := &progress.Recorder{}
	ctx := progress.WithPublisher(context.Background(), rec)

	j := q.Submit(ctx, KindExport, "p1", "retz", func(ctx context.Context) (string, error) {
		pub := progress.FromContext(ctx, nil)
		pub.Publish(progress.Fraction(progress.StageTiling, "ortho 0_0", 1, 4))
		pub.Publish(progress.Event{Stage: progress.StagePackaging, Label: "packaging", Percent: progress.Indeterminate})
		return "", nil
	})

	done, err := q.Wait(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, []progress.Stage{progress.StageTiling}, rec.Stages("ortho 0_0"))
	assert.Len(t, rec.Events(), 2)
	assert.Equal(t, progress.StagePackaging, done.Stage)
}

func TestOnUpdate(t *testing.T) {
	q, _ := newQueue(t, 1)
	statuses := make(chan Status, 16)
	q.OnUpdate(func(j Job) { statuses <- j.Status })

	j := q.Submit(context.Background(), KindBuild, "p1", "retz", func(ctx context.Context) (string, error) {
		return "", nil
	})
	_, err := q.Wait(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, <-statuses)
	assert.Equal(t, StatusRunning, <-statuses)
	assert.Equal(t, StatusCompleted, <-statuses)
}

func TestHistoryIsReloaded(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "jobs")
	q, err := NewQueue(dir, 1, nil)
	require.NoError(t, err)

	first := q.Submit(context.Background(), KindBuild, "p1", "first", func(ctx context.Context) (string, error) {
		return "", nil
	})
	_, err = q.Wait(context.Background(), first.ID)
	require.NoError(t, err)
	q.Close()

	orphan := newJob(KindExport, "p2", "orphan")
	orphan.MarkStarted()
	orphan.CreatedAt = "2999-01-01T00:00:00Z"
	require.NoError(t, orphan.SaveToFile(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))

	reloaded, err := NewQueue(dir, 1, nil)
	require.NoError(t, err)
	defer reloaded.Close()

	list := reloaded.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, StatusCompleted, list[0].Status)
	assert.Equal(t, StatusFailed, list[1].Status, "running when the process exited")

	_, err = reloaded.Wait(context.Background(), orphan.ID)
	assert.Error(t, err)
	assert.ErrorIs(t, reloaded.Cancel(orphan.ID), ErrFinished)

	assert.Equal(t, 2, reloaded.ClearFinished())
	assert.Empty(t, reloaded.List())
	_, err = os.Stat(filepath.Join(dir, first.ID+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnknownJob(t *testing.T) {
	q, _ := newQueue(t, 1)
	_, err := q.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Wait(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, q.Cancel("nope"), ErrNotFound)
}
