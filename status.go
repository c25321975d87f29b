package p2pchunk

import "fmt"

// TaskStatus is a snapshot of one download task's progress, suitable for
// verbose-mode status reporting.
type TaskStatus struct {
	ID        string
	Needed    int
	Completed int
	Done      bool
}

func (s TaskStatus) String() string {
	return fmt.Sprintf("%s: %d/%d chunks%s", s.ID, s.Completed, s.Needed, doneSuffix(s.Done))
}

func doneSuffix(done bool) string {
	if done {
		return " (complete)"
	}
	return ""
}

// Status returns a snapshot of every active and recently completed
// download task.
func (d *Dispatcher) Status() []TaskStatus {
	out := make([]TaskStatus, 0, len(d.scheduler.tasks))
	for _, t := range d.scheduler.tasks {
		out = append(out, TaskStatus{
			ID:        t.OutputPath,
			Needed:    len(t.hashes),
			Completed: t.done.Len(),
			Done:      t.Complete(),
		})
	}
	return out
}
