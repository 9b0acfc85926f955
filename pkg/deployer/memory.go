package deployer

import (
	"context"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Deployer that settles every create or update after
// a fixed number of Details polls and hands out addresses from a /16.
type Memory struct {
	mu      sync.Mutex
	settle  int
	next    netip.Addr
	stacks  map[string]*memStack
	failing map[string]bool
}

type memStack struct {
	name      string
	template  Template
	state     string
	remaining int
	addrs     map[string]string
	updates   int
}

// NewMemory returns a simulator. settle is the number of Details calls that
// report *_IN_PROGRESS after each submission.
func NewMemory(settle int) *Memory {
	return &Memory{
		settle:  settle,
		next:    netip.MustParseAddr("10.20.0.10"),
		stacks:  map[string]*memStack{},
		failing: map[string]bool{},
	}
}

func (m *Memory) Deploy(ctx context.Context, template []byte, name string) (string, error) {
	t, err := Parse(template)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	s := &memStack{name: name, template: t, addrs: map[string]string{}}
	m.stacks[id] = s
	m.submit(id, s, StateCreateInProgress)
	return id, nil
}

func (m *Memory) Update(ctx context.Context, stackID string, template []byte) error {
	t, err := Parse(template)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return ErrStackNotFound
	}
	s.template = t
	s.updates++
	m.submit(stackID, s, StateUpdateInProgress)
	return nil
}

func (m *Memory) Details(ctx context.Context, stackID string) (Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stacks[stackID]
	if !ok {
		return Details{}, ErrStackNotFound
	}
	if s.remaining > 0 {
		s.remaining--
	} else {
		m.settleStack(stackID, s)
	}
	d := Details{State: s.state}
	for _, k := range s.template.OutputKeys() {
		if ip, ok := s.addrs[k]; ok && (s.state == StateCreateComplete || s.state == StateUpdateComplete) {
			d.Outputs = append(d.Outputs, Output{Key: k, Value: ip})
		}
	}
	return d, nil
}

func (m *Memory) Dispose(ctx context.Context, stackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stacks[stackID]; !ok {
		return ErrStackNotFound
	}
	delete(m.stacks, stackID)
	return nil
}

// Fail makes the next settle of stackID end in *_FAILED.
func (m *Memory) Fail(stackID string) {
	m.mu.Lock()
	m.failing[stackID] = true
	m.mu.Unlock()
}

// Updates reports how many updates stackID received.
func (m *Memory) Updates(stackID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stacks[stackID]; ok {
		return s.updates
	}
	return 0
}

// Stacks lists the ids of live stacks.
func (m *Memory) Stacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stacks))
	for id := range m.stacks {
		out = append(out, id)
	}
	return out
}

func (m *Memory) submit(id string, s *memStack, state string) {
	s.state = state
	s.remaining = m.settle
	if s.remaining == 0 {
		m.settleStack(id, s)
	}
}

func (m *Memory) settleStack(id string, s *memStack) {
	switch s.state {
	case StateCreateInProgress, StateUpdateInProgress:
	default:
		return
	}
	if m.failing[id] {
		delete(m.failing, id)
		if s.state == StateCreateInProgress {
			s.state = StateCreateFailed
		} else {
			s.state = StateUpdateFailed
		}
		return
	}
	for _, k := range s.template.OutputKeys() {
		if _, ok := s.addrs[k]; !ok {
			s.addrs[k] = m.next.String()
			m.next = m.next.Next()
		}
	}
	for k := range s.addrs {
		if _, ok := s.template.Outputs[k]; !ok {
			delete(s.addrs, k)
		}
	}
	if s.state == StateCreateInProgress {
		s.state = StateCreateComplete
	} else {
		s.state = StateUpdateComplete
	}
}
