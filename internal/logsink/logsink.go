// Package logsink implements the per-job append-only log file named in §6
// ("Persisted state: per-job append-only log file {logdir}/{job_name}.log
// containing one record per job instance with the aggregated per-target
// results"). Grounded on the teacher's structured-logging idiom
// (zap-backed adapters satisfying a third-party interface in
// server/internal/db/logger.go) generalized to a plain newline-delimited
// JSON writer, since the spec's persistence model here is a flat file, not
// a database. Write discipline (O_APPEND, one record per line) is the
// SPEC_FULL "SUPPLEMENTED FEATURES" item 3 decision.
package logsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cronfan/cronfan/internal/monitor"
	"github.com/cronfan/cronfan/internal/types"
)

// FileSink writes one InstanceRecord per line to {dir}/{job_name}.log.
type FileSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// New returns a FileSink rooted at dir. The directory is created on the
// first write if it does not exist yet.
func New(dir string) *FileSink {
	return &FileSink{dir: dir, files: make(map[string]*os.File)}
}

// record is the newline-delimited JSON shape written per instance.
type record struct {
	JobName    string                     `json:"job_name"`
	InstanceID string                     `json:"job_instance_id"`
	StartedAt  time.Time                  `json:"started_at"`
	EndedAt    time.Time                  `json:"ended_at"`
	Results    map[string]targetRecord    `json:"results"`
}

type targetRecord struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	RetCode   *int      `json:"retcode,omitempty"`
	Output    string    `json:"output"`
}

// WriteInstanceRecord appends rec as one JSON line to the job's log file,
// opening (and caching) the file descriptor on first use (monitor.LogSink).
func (s *FileSink) WriteInstanceRecord(rec monitor.InstanceRecord) error {
	f, err := s.fileFor(rec.JobName)
	if err != nil {
		return fmt.Errorf("logsink: open log for %s: %w", rec.JobName, err)
	}

	out := record{
		JobName:    rec.JobName,
		InstanceID: rec.InstanceID,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Results:    make(map[string]targetRecord, len(rec.Results)),
	}
	for machine, tr := range rec.Results {
		out.Results[machine] = toTargetRecord(tr)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("logsink: marshal record for %s: %w", rec.JobName, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = f.Write(data)
	if err != nil {
		return fmt.Errorf("logsink: write record for %s: %w", rec.JobName, err)
	}
	return nil
}

func toTargetRecord(tr types.TargetResult) targetRecord {
	return targetRecord{
		StartTime: tr.StartTime,
		EndTime:   tr.EndTime,
		RetCode:   tr.RetCode,
		Output:    string(tr.Output),
	}
}

func (s *FileSink) fileFor(jobName string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[jobName]; ok {
		return f, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, jobName+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[jobName] = f
	return f, nil
}

// Close closes every open log file descriptor.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("logsink: close %s: %w", name, err)
		}
	}
	return first
}
