package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Field names used in the key-value store.
const (
	FieldSummary    = "summary"
	FieldMessages   = "messages"
	FieldPendingJob = "pending_job"
	FieldVersion    = "version"
)

// ErrListingUnsupported is returned by Store.SessionKeys when the backing KV
// cannot enumerate sessions.
var ErrListingUnsupported = errors.New("session listing not supported by store")

// Store maps ConversationState onto a KV. It performs no locking; callers
// serialize read-modify-write cycles per session.
type Store struct {
	kv KV
}

// NewStore wraps kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load returns the state for sessionKey, or the empty state if none was saved.
func (s *Store) Load(ctx context.Context, sessionKey string) (State, error) {
	var st State

	raw, ok, err := s.kv.Get(ctx, sessionKey, FieldSummary)
	if err != nil {
		return State{}, &PersistenceError{Op: "load summary", Err: err}
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &st.Summary); err != nil {
			return State{}, fmt.Errorf("%w: summary: %v", ErrCorruptState, err)
		}
	}

	raw, ok, err = s.kv.Get(ctx, sessionKey, FieldMessages)
	if err != nil {
		return State{}, &PersistenceError{Op: "load messages", Err: err}
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &st.Messages); err != nil {
			return State{}, fmt.Errorf("%w: messages: %v", ErrCorruptState, err)
		}
		for _, m := range st.Messages {
			if err := m.validate(); err != nil {
				return State{}, fmt.Errorf("%w: %v", ErrCorruptState, err)
			}
		}
	}

	raw, ok, err = s.kv.Get(ctx, sessionKey, FieldPendingJob)
	if err != nil {
		return State{}, &PersistenceError{Op: "load pending job", Err: err}
	}
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &st.PendingJob); err != nil {
			return State{}, fmt.Errorf("%w: pending job: %v", ErrCorruptState, err)
		}
	}

	raw, ok, err = s.kv.Get(ctx, sessionKey, FieldVersion)
	if err != nil {
		return State{}, &PersistenceError{Op: "load version", Err: err}
	}
	if ok && len(raw) > 0 {
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("%w: version: %v", ErrCorruptState, err)
		}
		st.Version = v
	}
	if st.Messages == nil {
		st.Messages = []Message{}
	}
	return st, nil
}

// Save writes summary, messages and pending job as one unit and bumps the
// version. The returned state carries the new version.
func (s *Store) Save(ctx context.Context, sessionKey string, st State) (State, error) {
	msgs := st.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	summary, err := json.Marshal(st.Summary)
	if err != nil {
		return st, fmt.Errorf("encode summary: %w", err)
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return st, fmt.Errorf("encode messages: %w", err)
	}
	job, err := json.Marshal(st.PendingJob)
	if err != nil {
		return st, fmt.Errorf("encode pending job: %w", err)
	}
	next := st.Version + 1
	if err := s.kv.PutFields(ctx, sessionKey, map[string][]byte{
		FieldSummary:    summary,
		FieldMessages:   messages,
		FieldPendingJob: job,
		FieldVersion:    []byte(strconv.FormatInt(next, 10)),
	}); err != nil {
		return st, &PersistenceError{Op: "save state", Err: err}
	}
	st.Version = next
	return st, nil
}

// SavePendingJob writes only the pending job field.
func (s *Store) SavePendingJob(ctx context.Context, sessionKey string, job *JobStatus) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode pending job: %w", err)
	}
	if err := s.kv.Put(ctx, sessionKey, FieldPendingJob, raw); err != nil {
		return &PersistenceError{Op: "save pending job", Err: err}
	}
	return nil
}

// Clear removes every field of the session. Clearing an absent session is not
// an error.
func (s *Store) Clear(ctx context.Context, sessionKey string) error {
	if err := s.kv.DeleteAll(ctx, sessionKey); err != nil {
		return &PersistenceError{Op: "clear", Err: err}
	}
	return nil
}

// SessionKeys lists sessions that have saved messages.
func (s *Store) SessionKeys(ctx context.Context) ([]string, error) {
	return s.sessionKeysWith(ctx, FieldMessages)
}

// PendingSessionKeys lists sessions whose pending job is currently running.
func (s *Store) PendingSessionKeys(ctx context.Context) ([]string, error) {
	keys, err := s.sessionKeysWith(ctx, FieldPendingJob)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		raw, ok, err := s.kv.Get(ctx, k, FieldPendingJob)
		if err != nil {
			return nil, &PersistenceError{Op: "load pending job", Err: err}
		}
		if !ok {
			continue
		}
		var job *JobStatus
		if err := json.Unmarshal(raw, &job); err != nil {
			continue
		}
		if job.Running() {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) sessionKeysWith(ctx context.Context, field string) ([]string, error) {
	lister, ok := s.kv.(KeyLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	keys, err := lister.SessionKeys(ctx, field)
	if err != nil {
		return nil, &PersistenceError{Op: "list sessions", Err: err}
	}
	return keys, nil
}
