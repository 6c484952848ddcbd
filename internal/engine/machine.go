package engine

import "deskline/internal/domain"

// transitions is the complete lifecycle table. failed -> queued is not listed:
// only Fail with retry takes an item back to queued, inside the same mutation.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusQueued:  {domain.StatusWorking, domain.StatusCancelled},
	domain.StatusWorking: {domain.StatusCompleted, domain.StatusBlocked, domain.StatusFailed, domain.StatusCancelled},
	domain.StatusBlocked: {domain.StatusQueued, domain.StatusCancelled},
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s domain.Status) bool {
	return len(transitions[s]) == 0
}

func ensureTransition(op string, from, to domain.Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{Op: op, From: from, To: to}
	}
	return nil
}

// The functions below apply one transition to an in-memory item. They check
// the table before touching anything, so a rejected call leaves it unchanged.

func Start(it *domain.WorkItem, workerID, now string) error {
	if err := ensureTransition("start", it.Status, domain.StatusWorking); err != nil {
		return err
	}
	it.Status = domain.StatusWorking
	it.WorkerID = &workerID
	it.StartedAt = &now
	it.UpdatedAt = now
	return nil
}

func Complete(it *domain.WorkItem, output map[string]any, now string) error {
	if err := ensureTransition("complete", it.Status, domain.StatusCompleted); err != nil {
		return err
	}
	it.Status = domain.StatusCompleted
	it.Output = output
	it.WorkerID = nil
	it.CompletedAt = &now
	it.UpdatedAt = now
	return nil
}

func Block(it *domain.WorkItem, questionID, now string) error {
	if err := ensureTransition("block", it.Status, domain.StatusBlocked); err != nil {
		return err
	}
	it.Status = domain.StatusBlocked
	it.BlockingQuestionID = &questionID
	it.WorkerID = nil
	it.UpdatedAt = now
	return nil
}

func Unblock(it *domain.WorkItem, now string) error {
	if err := ensureTransition("unblock", it.Status, domain.StatusQueued); err != nil {
		return err
	}
	it.Status = domain.StatusQueued
	it.BlockingQuestionID = nil
	it.UpdatedAt = now
	return nil
}

// Fail records a failed attempt. With retry the item passes through failed
// and lands in queued again; without it the item stays failed for good.
func Fail(it *domain.WorkItem, reason string, retry bool, now string) error {
	if err := ensureTransition("fail", it.Status, domain.StatusFailed); err != nil {
		return err
	}
	it.Attempts++
	it.LastError = &reason
	it.WorkerID = nil
	it.UpdatedAt = now
	if retry {
		it.Status = domain.StatusQueued
		it.StartedAt = nil
		return nil
	}
	it.Status = domain.StatusFailed
	it.CompletedAt = &now
	return nil
}

func Cancel(it *domain.WorkItem, now string) error {
	if err := ensureTransition("cancel", it.Status, domain.StatusCancelled); err != nil {
		return err
	}
	it.Status = domain.StatusCancelled
	it.WorkerID = nil
	it.BlockingQuestionID = nil
	it.CompletedAt = &now
	it.UpdatedAt = now
	return nil
}
