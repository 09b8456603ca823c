package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/Popie52/notifyqueue/internal/model"
)

// FileJobStore keeps every job record in a single JSON document that is
// rewritten atomically (write tmp, rename) on each change.
type FileJobStore struct {
	path string
	mu   sync.Mutex
}

var _ JobStore = (*FileJobStore)(nil)

func NewFileJobStore(path string) *FileJobStore {
	return &FileJobStore{path: path}
}

func (s *FileJobStore) Save(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.path)
	if err != nil {
		return err
	}

	replaced := false
	for i, j := range jobs {
		if j.ID == job.ID {
			jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	return writeJobs(s.path, jobs)
}

func (s *FileJobStore) Remove(_ context.Context, id model.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.path)
	if err != nil {
		return err
	}

	kept := jobs[:0]
	for _, j := range jobs {
		if j.ID != id {
			kept = append(kept, j)
		}
	}
	return writeJobs(s.path, kept)
}

func (s *FileJobStore) Load(_ context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.path)
	if err != nil {
		return nil, err
	}
	sortBySeq(jobs)
	return jobs, nil
}

func (s *FileJobStore) Close() error { return nil }

// Helpers
func readJobs(path string) ([]*model.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*model.Job{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []*model.Job{}, nil
	}

	var jobs []*model.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, err
	}

	return jobs, nil
}

func writeJobs(path string, jobs []*model.Job) error {
	data, err := json.MarshalIndent(jobs, "", " ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
