package billing

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2025, time.June, 17, 10, 30, 0, 0, time.UTC)

type stubState struct {
	users        map[UserID]User
	courses      map[CourseID]Course
	transactions []Transaction
	nextUserID   UserID
	nextCourseID CourseID
	nextTxID     TransactionID
}

func (state *stubState) clone() *stubState {
	copied := &stubState{
		users:        make(map[UserID]User, len(state.users)),
		courses:      make(map[CourseID]Course, len(state.courses)),
		transactions: append([]Transaction(nil), state.transactions...),
		nextUserID:   state.nextUserID,
		nextCourseID: state.nextCourseID,
		nextTxID:     state.nextTxID,
	}
	for id, user := range state.users {
		copied.users[id] = user
	}
	for id, course := range state.courses {
		copied.courses[id] = course
	}
	return copied
}

// stubStore is an in-memory Store. WithTx serializes units on a shared mutex and
// commits a copy of the state only when fn succeeds.
type stubStore struct {
	mu    *sync.Mutex
	state **stubState
	inTx  bool

	withTxError        error
	lockUserError      error
	getCourseError     error
	updateBalanceError error
	insertError        error
	listError          error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	state := &stubState{
		users:   make(map[UserID]User),
		courses: make(map[CourseID]Course),
	}
	return &stubStore{mu: &sync.Mutex{}, state: &state}
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	working := (*store.state).clone()
	transactionStore := *store
	transactionStore.inTx = true
	transactionStore.state = &working
	if err := fn(ctx, &transactionStore); err != nil {
		return err
	}
	*store.state = working
	return nil
}

func (store *stubStore) CreateUser(_ context.Context, email Email, roles []string) (User, error) {
	defer store.lock()()
	state := *store.state
	for _, user := range state.users {
		if user.Email == email {
			return User{}, ErrUserExists
		}
	}
	state.nextUserID++
	user := User{ID: state.nextUserID, Email: email, Balance: decimal.Zero, Roles: append([]string(nil), roles...)}
	state.users[user.ID] = user
	return user, nil
}

func (store *stubStore) GetUserByEmail(_ context.Context, email Email) (User, error) {
	defer store.lock()()
	for _, user := range (*store.state).users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (store *stubStore) LockUserByEmail(ctx context.Context, email Email) (User, error) {
	if store.lockUserError != nil {
		return User{}, store.lockUserError
	}
	return store.GetUserByEmail(ctx, email)
}

func (store *stubStore) UpdateUserBalance(_ context.Context, userID UserID, balance decimal.Decimal, expectedVersion int64) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	defer store.lock()()
	state := *store.state
	user, ok := state.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if user.Version != expectedVersion {
		return ErrConcurrentUpdate
	}
	user.Balance = balance
	user.Version++
	state.users[userID] = user
	return nil
}

func (store *stubStore) CreateCourse(_ context.Context, input CourseInput) (Course, error) {
	defer store.lock()()
	state := *store.state
	for _, course := range state.courses {
		if course.Code == input.Code {
			return Course{}, ErrCourseExists
		}
	}
	state.nextCourseID++
	course := Course{ID: state.nextCourseID, Code: input.Code, Type: input.Type, Price: input.Price}
	state.courses[course.ID] = course
	return course, nil
}

func (store *stubStore) GetCourseByCode(_ context.Context, code CourseCode) (Course, error) {
	if store.getCourseError != nil {
		return Course{}, store.getCourseError
	}
	defer store.lock()()
	for _, course := range (*store.state).courses {
		if course.Code == code {
			return course, nil
		}
	}
	return Course{}, ErrCourseNotFound
}

func (store *stubStore) ListCourses(_ context.Context) ([]Course, error) {
	defer store.lock()()
	courses := make([]Course, 0, len((*store.state).courses))
	for _, course := range (*store.state).courses {
		courses = append(courses, course)
	}
	sort.Slice(courses, func(left, right int) bool { return courses[left].Code.String() < courses[right].Code.String() })
	return courses, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	if store.insertError != nil {
		return Transaction{}, store.insertError
	}
	defer store.lock()()
	state := *store.state
	user, ok := state.users[input.ClientID]
	if !ok {
		return Transaction{}, ErrUserNotFound
	}
	state.nextTxID++
	transaction := Transaction{
		ID:          state.nextTxID,
		ClientID:    input.ClientID,
		ClientEmail: user.Email,
		CourseID:    input.CourseID,
		Kind:        input.Kind,
		Amount:      input.Amount,
		CreatedAt:   input.CreatedAt,
		ExpiresAt:   input.ExpiresAt,
	}
	if input.CourseID != nil {
		if course, ok := state.courses[*input.CourseID]; ok {
			transaction.Course = &course
		}
	}
	state.transactions = append(state.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(_ context.Context, query TransactionQuery) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	defer store.lock()()
	matched := make([]Transaction, 0)
	for _, transaction := range (*store.state).transactions {
		if transaction.ClientEmail != query.Username {
			continue
		}
		if query.Kind != nil && transaction.Kind != *query.Kind {
			continue
		}
		if query.CourseCode != nil && (transaction.Course == nil || transaction.Course.Code != *query.CourseCode) {
			continue
		}
		if query.SkipExpired && transaction.ExpiresAt != nil && !transaction.ExpiresAt.After(query.At) {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		if matched[left].CreatedAt.Equal(matched[right].CreatedAt) {
			return matched[left].ID > matched[right].ID
		}
		return matched[left].CreatedAt.After(matched[right].CreatedAt)
	})
	return matched, nil
}

func (store *stubStore) ListPaymentsExpiringBetween(_ context.Context, window Window) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	defer store.lock()()
	matched := make([]Transaction, 0)
	for _, transaction := range (*store.state).transactions {
		if transaction.Kind != KindPayment || transaction.ExpiresAt == nil {
			continue
		}
		if window.Contains(*transaction.ExpiresAt) {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (store *stubStore) ListTransactionsCreatedBetween(_ context.Context, dateRange DateRange, kind TransactionKind) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	defer store.lock()()
	matched := make([]Transaction, 0)
	for _, transaction := range (*store.state).transactions {
		if transaction.Kind == kind && dateRange.Contains(transaction.CreatedAt) {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (store *stubStore) snapshot() *stubState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*store.state).clone()
}

func (store *stubStore) appendRaw(transaction Transaction) {
	store.mu.Lock()
	defer store.mu.Unlock()
	state := *store.state
	state.nextTxID++
	transaction.ID = state.nextTxID
	state.transactions = append(state.transactions, transaction)
}

func (store *stubStore) mustUser(test *testing.T, email Email) User {
	test.Helper()
	user, err := store.GetUserByEmail(context.Background(), email)
	if err != nil {
		test.Fatalf("user %s: %v", email, err)
	}
	return user
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustNewServiceAt(test *testing.T, store Store, now func() time.Time) *Service {
	test.Helper()
	service, err := NewService(store, now)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustEmail(test *testing.T, raw string) Email {
	test.Helper()
	email, err := NewEmail(raw)
	if err != nil {
		test.Fatalf("email %q: %v", raw, err)
	}
	return email
}

func mustCourseCode(test *testing.T, raw string) CourseCode {
	test.Helper()
	code, err := NewCourseCode(raw)
	if err != nil {
		test.Fatalf("course code %q: %v", raw, err)
	}
	return code
}

func mustAmount(test *testing.T, raw string) PositiveAmount {
	test.Helper()
	amount, err := ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount %q: %v", raw, err)
	}
	return amount
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func mustOpenAccount(test *testing.T, service *Service, email string, initial string) Email {
	test.Helper()
	parsed := mustEmail(test, email)
	if _, err := service.OpenAccount(context.Background(), parsed, []string{"ROLE_USER"}, mustDecimal(test, initial)); err != nil {
		test.Fatalf("open account %s: %v", email, err)
	}
	return parsed
}

func mustCreateCourse(test *testing.T, service *Service, code string, courseType CourseType, price string) Course {
	test.Helper()
	course, err := service.CreateCourse(context.Background(), CourseInput{
		Code:  mustCourseCode(test, code),
		Type:  courseType,
		Price: mustDecimal(test, price),
	})
	if err != nil {
		test.Fatalf("create course %s: %v", code, err)
	}
	return course
}
