package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/tasks"
)

// PutApproval creates or replaces an approval request.
func (s *Store) PutApproval(ctx context.Context, req ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeApproval(ctx, req); err != nil {
		return err
	}
	s.approvals[req.TaskID] = req
	return nil
}

func (s *Store) writeApproval(ctx context.Context, req ApprovalRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (task_id, decision, created_at, expires_at, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET decision = excluded.decision, body = excluded.body`,
		req.TaskID, string(req.Decision), formatTime(req.CreatedAt), formatTime(req.ExpiresAt), string(body))
	if err != nil {
		return fmt.Errorf("write approval %s: %w", req.TaskID, err)
	}
	return nil
}

// ResolveApproval moves a Pending request to decision. When move is not
// nil it is applied to the request's task and the result is stored in
// the same write, so ConsumeApproved never sees a decided request whose
// task has not moved. A request that is already resolved is returned
// unchanged with ErrAlreadyResolved.
func (s *Store) ResolveApproval(ctx context.Context, taskID string, decision Decision, actor string, at time.Time, move func(tasks.Task) (tasks.Task, error)) (ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[taskID]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("approval %s: %w", taskID, ErrNotFound)
	}
	if req.Resolved() {
		return req, fmt.Errorf("approval %s is %s: %w", taskID, req.Decision, ErrAlreadyResolved)
	}

	if move != nil {
		moved, err := move(req.Task)
		if err != nil {
			return req, err
		}
		req.Task = moved
	}
	req.Decision = decision
	req.DecidedAt = at
	req.DecidedBy = actor
	if err := s.writeApproval(ctx, req); err != nil {
		return ApprovalRequest{}, err
	}
	s.approvals[taskID] = req
	return req, nil
}

// ConsumeApproved returns approved requests not yet handed out and marks
// them consumed, oldest first.
func (s *Store) ConsumeApproved(ctx context.Context) ([]ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ApprovalRequest
	for _, req := range s.approvals {
		if req.Decision == DecisionApproved && !req.Consumed {
			out = append(out, req)
		}
	}
	sortApprovals(out)
	for i := range out {
		out[i].Consumed = true
		if err := s.writeApproval(ctx, out[i]); err != nil {
			return nil, err
		}
		s.approvals[out[i].TaskID] = out[i]
	}
	return out, nil
}

// Approval returns the request for taskID.
func (s *Store) Approval(taskID string) (ApprovalRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.approvals[taskID]
	return req, ok
}

// Approvals returns requests matching decision, or all of them when
// decision is empty, oldest first.
func (s *Store) Approvals(decision Decision) []ApprovalRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ApprovalRequest
	for _, req := range s.approvals {
		if decision == "" || req.Decision == decision {
			out = append(out, req)
		}
	}
	sortApprovals(out)
	return out
}

func sortApprovals(reqs []ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].TaskID < reqs[j].TaskID
	})
}

// SaveTask upserts t into the task history.
func (s *Store) SaveTask(ctx context.Context, t tasks.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, origin_goal, description, status, updated_at, body) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, body = excluded.body`,
		t.ID, string(t.Kind), t.OriginGoal, t.Description, string(t.Status), formatTime(t.UpdatedAt), string(body))
	if err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	if t.Status == tasks.StatusSucceeded && t.Kind == tasks.KindGoal {
		s.resolved[t.Identity()] = true
	}
	return nil
}

// Resolved reports whether a goal-derived task with identity id has
// succeeded.
func (s *Store) Resolved(id tasks.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved[id]
}

// Task returns the stored task with id.
func (s *Store) Task(ctx context.Context, id string) (tasks.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id = ?`, id).Scan(&body)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	var t tasks.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return tasks.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

// Tasks returns the most recently updated tasks, newest first.
func (s *Store) Tasks(ctx context.Context, limit int) ([]tasks.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM tasks ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t tasks.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveReport stores a cycle report body under id.
func (s *Store) SaveReport(ctx context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, at, body) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		r.ID, formatTime(r.At), string(r.Body))
	if err != nil {
		return fmt.Errorf("write report %s: %w", r.ID, err)
	}
	return nil
}

// Reports returns the most recent reports, newest first.
func (s *Store) Reports(ctx context.Context, limit int) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, at, body FROM reports ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		var at, body string
		if err := rows.Scan(&r.ID, &at, &body); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.At, _ = time.Parse(timeLayout, at)
		r.Body = []byte(body)
		out = append(out, r)
	}
	return out, rows.Err()
}
