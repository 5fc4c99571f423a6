package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mcclellann/loanservicing/pkg/apperrors"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/shopspring/decimal"
)

// MockStore is an in-memory Storage for testing. Transactions are serialized
// and run against a copy of the state that replaces the original on commit.
type MockStore struct {
	mu    sync.Mutex
	state *memState

	// failCreatePayment makes CreatePayment fail, to exercise rollback.
	failCreatePayment bool
	// rivalAccount is committed by another writer the first time
	// CreateLoanAccount runs for its application, which then fails with
	// ErrDuplicateApplication the way a lost insert race does on SQLite.
	rivalAccount *models.LoanAccount
	txCount      int
}

type memState struct {
	nextID       int64
	customers    map[int64]models.Customer
	applications map[int64]models.Application
	approvals    map[int64]models.Approval // by application id
	accounts     map[int64]models.LoanAccount
	disbursals   []models.Disbursement
	installments map[int64]models.Installment
	payments     []models.Payment
	actions      []models.RecoveryAction
}

func NewMockStore() *MockStore {
	return &MockStore{state: &memState{
		customers:    map[int64]models.Customer{},
		applications: map[int64]models.Application{},
		approvals:    map[int64]models.Approval{},
		accounts:     map[int64]models.LoanAccount{},
		installments: map[int64]models.Installment{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:       s.nextID,
		customers:    make(map[int64]models.Customer, len(s.customers)),
		applications: make(map[int64]models.Application, len(s.applications)),
		approvals:    make(map[int64]models.Approval, len(s.approvals)),
		accounts:     make(map[int64]models.LoanAccount, len(s.accounts)),
		disbursals:   append([]models.Disbursement(nil), s.disbursals...),
		installments: make(map[int64]models.Installment, len(s.installments)),
		payments:     append([]models.Payment(nil), s.payments...),
		actions:      append([]models.RecoveryAction(nil), s.actions...),
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	for k, v := range s.approvals {
		c.approvals[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.installments {
		c.installments[k] = v
	}
	return c
}

func (m *MockStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++

	tx := &memTx{store: m, s: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.s
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

// snapshot helpers for assertions

func (m *MockStore) installmentsFor(accountID int64) []models.Installment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Installment
	for _, inst := range m.state.installments {
		if inst.LoanAccountID == accountID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNo < out[j].InstallmentNo })
	return out
}

func (m *MockStore) paymentsFor(accountID int64) []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.state.payments {
		if p.LoanAccountID == accountID {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockStore) accountCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.accounts)
}

func (m *MockStore) disbursementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.disbursals)
}

type memTx struct {
	store *MockStore
	s     *memState
}

func (t *memTx) id() int64 {
	t.s.nextID++
	return t.s.nextID
}

func missing(what string, id int64) error {
	return fmt.Errorf("%s %d: %w", what, id, apperrors.ErrNotFound)
}

func (t *memTx) CreateCustomer(c *models.Customer) error {
	c.ID = t.id()
	t.s.customers[c.ID] = *c
	return nil
}

func (t *memTx) GetCustomer(id int64) (*models.Customer, error) {
	c, ok := t.s.customers[id]
	if !ok {
		return nil, missing("customer", id)
	}
	return &c, nil
}

func (t *memTx) CreateApplication(app *models.Application) error {
	app.ID = t.id()
	t.s.applications[app.ID] = *app
	return nil
}

func (t *memTx) GetApplication(id int64) (*models.Application, error) {
	app, ok := t.s.applications[id]
	if !ok {
		return nil, missing("application", id)
	}
	return &app, nil
}

func (t *memTx) UpdateApplicationStatus(id int64, status models.ApplicationStatus) error {
	app, ok := t.s.applications[id]
	if !ok {
		return missing("application", id)
	}
	app.Status = status
	t.s.applications[id] = app
	return nil
}

func (t *memTx) SaveApproval(a *models.Approval) error {
	if existing, ok := t.s.approvals[a.ApplicationID]; ok {
		a.ID = existing.ID
	} else {
		a.ID = t.id()
	}
	t.s.approvals[a.ApplicationID] = *a
	return nil
}

func (t *memTx) GetApprovalForApplication(applicationID int64) (*models.Approval, error) {
	a, ok := t.s.approvals[applicationID]
	if !ok {
		return nil, missing("approval for application", applicationID)
	}
	return &a, nil
}

func (t *memTx) CreateLoanAccount(a *models.LoanAccount) error {
	if rival := t.store.rivalAccount; rival != nil && rival.ApplicationID == a.ApplicationID {
		t.store.rivalAccount = nil
		committed := t.store.state
		committed.nextID++
		rival.ID = committed.nextID
		committed.accounts[rival.ID] = *rival
		return store.ErrDuplicateApplication
	}
	for _, existing := range t.s.accounts {
		if existing.ApplicationID == a.ApplicationID {
			return store.ErrDuplicateApplication
		}
		if existing.AccountNumber == a.AccountNumber {
			return store.ErrDuplicateAccountNumber
		}
	}
	a.ID = t.id()
	t.s.accounts[a.ID] = *a
	return nil
}

func (t *memTx) GetLoanAccount(id int64) (*models.LoanAccount, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, missing("loan account", id)
	}
	return &a, nil
}

func (t *memTx) GetLoanAccountByApplication(applicationID int64) (*models.LoanAccount, error) {
	for _, a := range t.s.accounts {
		if a.ApplicationID == applicationID {
			return &a, nil
		}
	}
	return nil, missing("loan account for application", applicationID)
}

func (t *memTx) CountLoanAccounts(status models.AccountStatus) (int, error) {
	n := 0
	for _, a := range t.s.accounts {
		if a.Status == status {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CreateDisbursement(d *models.Disbursement) error {
	d.ID = t.id()
	t.s.disbursals = append(t.s.disbursals, *d)
	return nil
}

func (t *memTx) CreateInstallments(accountID int64, rows []models.Installment) error {
	for i := range rows {
		rows[i].ID = t.id()
		rows[i].LoanAccountID = accountID
		t.s.installments[rows[i].ID] = rows[i]
	}
	return nil
}

func (t *memTx) sortedInstallments(keep func(models.Installment) bool) []*models.Installment {
	var out []*models.Installment
	for _, inst := range t.s.installments {
		if keep(inst) {
			inst := inst
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoanAccountID != out[j].LoanAccountID {
			return out[i].LoanAccountID < out[j].LoanAccountID
		}
		return out[i].InstallmentNo < out[j].InstallmentNo
	})
	return out
}

func (t *memTx) GetInstallments(accountID int64) ([]*models.Installment, error) {
	return t.sortedInstallments(func(i models.Installment) bool { return i.LoanAccountID == accountID }), nil
}

func (t *memTx) UpdateInstallment(inst *models.Installment) error {
	if _, ok := t.s.installments[inst.ID]; !ok {
		return missing("installment", inst.ID)
	}
	t.s.installments[inst.ID] = *inst
	return nil
}

func (t *memTx) GetInstallmentsDueBefore(day time.Time) ([]*models.Installment, error) {
	return t.sortedInstallments(func(i models.Installment) bool { return i.DueDate.Before(day) }), nil
}

func (t *memTx) TotalOutstanding() (decimal.Decimal, error) {
	total := decimal.Zero
	for _, inst := range t.s.installments {
		total = total.Add(inst.Balance)
	}
	return total, nil
}

func (t *memTx) CreatePayment(p *models.Payment) error {
	if t.store.failCreatePayment {
		return fmt.Errorf("payments table unavailable")
	}
	p.ID = t.id()
	t.s.payments = append(t.s.payments, *p)
	return nil
}

func (t *memTx) GetRecentPayments(accountID int64, limit int) ([]*models.Payment, error) {
	all := t.accountPayments(accountID)
	var out []*models.Payment
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (t *memTx) accountPayments(accountID int64) []*models.Payment {
	var out []*models.Payment
	for _, p := range t.s.payments {
		if p.LoanAccountID == accountID {
			p := p
			out = append(out, &p)
		}
	}
	return out
}

func (t *memTx) TotalCollected() (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range t.s.payments {
		if p.Status == models.PaymentStatusSuccess {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (t *memTx) CreateRecoveryAction(a *models.RecoveryAction) error {
	a.ID = t.id()
	t.s.actions = append(t.s.actions, *a)
	return nil
}

func (t *memTx) GetRecoveryActions(accountID int64) ([]*models.RecoveryAction, error) {
	var out []*models.RecoveryAction
	for i := len(t.s.actions) - 1; i >= 0; i-- {
		if a := t.s.actions[i]; a.LoanAccountID == accountID {
			out = append(out, &a)
		}
	}
	return out, nil
}
