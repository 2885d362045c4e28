// Package identity holds the IdentityStore adapters.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"rollcall/internal/lifecycle/models"
	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

type Method string

const (
	MethodCreate Method = "CreateAccount"
	MethodDelete Method = "DeleteAccount"
	MethodFind   Method = "FindAccountByEmail"
)

// Call records one invocation. Arg is the email for create and find, the
// account id for delete.
type Call struct {
	Method Method
	Arg    string
}

// Memory is an in-process identity provider for local runs and tests. Failures
// can be queued per method; a queued lost response applies the call and then
// reports it as unavailable, the way a timed-out network call can.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]models.StudentIdentity
	byEmail  map[string]string
	seq      int
	calls    []Call
	failures map[Method][]error
	lost     map[Method]int
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]models.StudentIdentity),
		byEmail:  make(map[string]string),
		failures: make(map[Method][]error),
		lost:     make(map[Method]int),
	}
}

// FailNext makes the next len(errs) calls to method return errs in order
// without touching state.
func (m *Memory) FailNext(method Method, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], errs...)
}

// LoseNextResponse makes the next n calls to method succeed but report
// sentinel.ErrUnavailable.
func (m *Memory) LoseNextResponse(method Method, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[method] += n
}

// Seed stores an existing account.
func (m *Memory) Seed(identity models.StudentIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[identity.AccountID] = identity
	m.byEmail[strings.ToLower(identity.Email)] = identity.AccountID
}

func (m *Memory) Account(accountID string) (models.StudentIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.accounts[accountID]
	return identity, ok
}

func (m *Memory) HasEmail(email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byEmail[strings.ToLower(email)]
	return ok
}

func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Memory) CallCount(method Method) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *Memory) CreateAccount(ctx context.Context, account ports.NewAccount) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, MethodCreate, account.Email); err != nil {
		return "", err
	}
	email := strings.ToLower(account.Email)
	if _, exists := m.byEmail[email]; exists {
		return "", fmt.Errorf("email %s already registered: %w", email, sentinel.ErrConflict)
	}
	if len(account.Password) < 6 {
		return "", fmt.Errorf("weak password: %w", sentinel.ErrRejected)
	}
	m.seq++
	id := fmt.Sprintf("uid-%04d", m.seq)
	m.accounts[id] = models.StudentIdentity{AccountID: id, Email: email, DisplayName: account.DisplayName}
	m.byEmail[email] = id
	if m.consumeLost(MethodCreate) {
		return "", fmt.Errorf("create account response lost: %w", sentinel.ErrUnavailable)
	}
	return id, nil
}

func (m *Memory) DeleteAccount(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, MethodDelete, accountID); err != nil {
		return err
	}
	identity, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, sentinel.ErrNotFound)
	}
	delete(m.accounts, accountID)
	delete(m.byEmail, strings.ToLower(identity.Email))
	if m.consumeLost(MethodDelete) {
		return fmt.Errorf("delete account response lost: %w", sentinel.ErrUnavailable)
	}
	return nil
}

func (m *Memory) FindAccountByEmail(ctx context.Context, email string) (*models.StudentIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, MethodFind, email); err != nil {
		return nil, err
	}
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("email %s: %w", email, sentinel.ErrNotFound)
	}
	identity := m.accounts[id]
	return &identity, nil
}

// begin records the call and pops a queued failure. Callers hold m.mu.
func (m *Memory) begin(ctx context.Context, method Method, arg string) error {
	m.calls = append(m.calls, Call{Method: method, Arg: arg})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", method, sentinel.ErrUnavailable)
	}
	if queued := m.failures[method]; len(queued) > 0 {
		m.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Memory) consumeLost(method Method) bool {
	if m.lost[method] == 0 {
		return false
	}
	m.lost[method]--
	return true
}
