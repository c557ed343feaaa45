package remedy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryCreateAndGet(t *testing.T) {
	registry := NewRegistry(testLogger())

	job := registry.Create(testReport())
	assert.NotEmpty(t, job.ID, "Created job has no id")
	assert.Equal(t, StatusPending, job.Status(), "Created job not PENDING")

	got, err := registry.Get(job.ID)
	assert.Nil(t, err, "Get returned an error")
	assert.Same(t, job, got, "Get returned a different job")

	_, err = registry.Get("no-such-job")
	assert.ErrorIs(t, err, ErrNotFound, "Get of unknown id did not return ErrNotFound")
}

func TestRegistryListOrder(t *testing.T) {
	registry := NewRegistry(testLogger())

	var ids []string
	for i := 0; i < 5; i++ {
		report := testReport()
		report.RepoURL = fmt.Sprintf("https://github.com/acme/repo-%d.git", i)
		ids = append(ids, registry.Create(report).ID)
	}

	list := registry.List()
	assert.Len(t, list, 5, "Wrong number of listed jobs")
	for i, summary := range list {
		assert.Equalf(t, ids[i], summary.ID, "Job %d listed out of creation order", i)
	}
}

func TestRegistryRemove(t *testing.T) {
	registry := NewRegistry(testLogger())

	job := registry.Create(testReport())
	keep := registry.Create(testReport())

	assert.Nil(t, registry.Remove(job.ID), "Remove returned an error")
	assert.ErrorIs(t, registry.Remove(job.ID), ErrNotFound, "Second remove did not return ErrNotFound")

	_, err := registry.Get(job.ID)
	assert.ErrorIs(t, err, ErrNotFound, "Removed job still retrievable")

	list := registry.List()
	assert.Len(t, list, 1, "Wrong number of jobs after removal")
	assert.Equal(t, keep.ID, list[0].ID, "Wrong job survived the removal")
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry(testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := registry.Create(testReport())
			registry.List()
			_, err := registry.Get(job.ID)
			assert.Nil(t, err, "Get of a freshly created job failed")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, registry.Len(), "Wrong number of jobs after concurrent creation")
}
