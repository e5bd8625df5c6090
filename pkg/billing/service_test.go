package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

const (
	clientEmailValue = "user@email.example"
	errorMismatch    = "expected %v, got %v"
)

var errStoreFailure = errors.New("store error")

func TestDepositCreditsBalanceAndRecordsTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	email := mustOpenAccount(test, service, clientEmailValue, "0")

	transaction, err := service.Deposit(context.Background(), email, mustAmount(test, "150.50"))
	if err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if transaction.Kind != KindDeposit {
		test.Fatalf("expected deposit kind, got %s", transaction.Kind)
	}
	if !transaction.Amount.Equal(mustDecimal(test, "150.50")) {
		test.Fatalf("unexpected amount %s", transaction.Amount)
	}
	if transaction.CourseID != nil || transaction.Course != nil || transaction.ExpiresAt != nil {
		test.Fatalf("deposit must not reference a course or expire: %+v", transaction)
	}
	if !transaction.CreatedAt.Equal(fixedNow) {
		test.Fatalf("expected created at %s, got %s", fixedNow, transaction.CreatedAt)
	}
	user := store.mustUser(test, email)
	if !user.Balance.Equal(mustDecimal(test, "150.50")) {
		test.Fatalf("expected balance 150.50, got %s", user.Balance)
	}
}

func TestDepositRejectsInvalidAmountWithoutTouchingStore(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.withTxError = errStoreFailure
	service := mustNewService(test, store)

	_, err := service.Deposit(context.Background(), mustEmail(test, clientEmailValue), PositiveAmount{})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatch, ErrInvalidAmount, err)
	}
	if !IsValidation(err) {
		test.Fatalf("expected validation error, got %v", err)
	}
}

func TestDepositUnknownUser(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Deposit(context.Background(), mustEmail(test, "ghost@email.example"), mustAmount(test, "10"))
	if !errors.Is(err, ErrUserNotFound) {
		test.Fatalf(errorMismatch, ErrUserNotFound, err)
	}
}

func TestPurchaseRentCourseSetsSevenDayExpiry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	email := mustOpenAccount(test, service, clientEmailValue, "1000")
	mustCreateCourse(test, service, "ruby", CourseTypeRent, "250")

	transaction, err := service.Purchase(context.Background(), email, mustCourseCode(test, "ruby"))
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if transaction.Kind != KindPayment {
		test.Fatalf("expected payment kind, got %s", transaction.Kind)
	}
	if transaction.ExpiresAt == nil {
		test.Fatalf("expected rental expiry")
	}
	if !transaction.ExpiresAt.Equal(transaction.CreatedAt.Add(RentalPeriod)) {
		test.Fatalf("expected expiry %s, got %s", transaction.CreatedAt.Add(RentalPeriod), transaction.ExpiresAt)
	}
	if transaction.Course == nil || transaction.Course.Code.String() != "ruby" {
		test.Fatalf("expected course ruby, got %+v", transaction.Course)
	}
	user := store.mustUser(test, email)
	if !user.Balance.Equal(mustDecimal(test, "750")) {
		test.Fatalf("expected balance 750, got %s", user.Balance)
	}
}

func TestPurchaseBuyCourseGrantsPermanentAccess(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	email := mustOpenAccount(test, service, clientEmailValue, "2500")
	mustCreateCourse(test, service, "swift", CourseTypeBuy, "2500")

	transaction, err := service.Purchase(context.Background(), email, mustCourseCode(test, "swift"))
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if transaction.ExpiresAt != nil {
		test.Fatalf("expected permanent access, got expiry %s", transaction.ExpiresAt)
	}
	if !transaction.Amount.Equal(mustDecimal(test, "2500")) {
		test.Fatalf("unexpected amount %s", transaction.Amount)
	}
	if !store.mustUser(test, email).Balance.IsZero() {
		test.Fatalf("expected zero balance")
	}
}

func TestPurchaseRejectionsLeaveLedgerUntouched(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		courseCode string
		configure  func(store *stubStore)
		wantErr    error
	}{
		{name: "free course", courseCode: "php", wantErr: ErrCourseNotPurchasable},
		{name: "insufficient funds", courseCode: "swift", wantErr: ErrInsufficientFunds},
		{name: "unknown course", courseCode: "cobol", wantErr: ErrCourseNotFound},
		{
			name:       "insert failure",
			courseCode: "js",
			configure:  func(store *stubStore) { store.insertError = errStoreFailure },
			wantErr:    errStoreFailure,
		},
		{
			name:       "balance write conflict",
			courseCode: "js",
			configure:  func(store *stubStore) { store.updateBalanceError = ErrConcurrentUpdate },
			wantErr:    ErrConcurrentUpdate,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store)
			email := mustOpenAccount(test, service, clientEmailValue, "1000")
			mustCreateCourse(test, service, "php", CourseTypeFree, "0")
			mustCreateCourse(test, service, "js", CourseTypeRent, "1000")
			mustCreateCourse(test, service, "swift", CourseTypeBuy, "2500")
			before := store.snapshot()
			if testCase.configure != nil {
				testCase.configure(store)
			}

			_, err := service.Purchase(context.Background(), email, mustCourseCode(test, testCase.courseCode))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatch, testCase.wantErr, err)
			}
			after := store.snapshot()
			if len(after.transactions) != len(before.transactions) {
				test.Fatalf("expected %d transactions, got %d", len(before.transactions), len(after.transactions))
			}
			if !after.users[1].Balance.Equal(before.users[1].Balance) {
				test.Fatalf("balance changed from %s to %s", before.users[1].Balance, after.users[1].Balance)
			}
		})
	}
}

func TestPurchaseErrorKinds(test *testing.T) {
	test.Parallel()
	if !IsBusinessRule(ErrInsufficientFunds) || !IsBusinessRule(ErrCourseNotPurchasable) {
		test.Fatalf("expected business-rule classification")
	}
	if !IsNotFound(ErrCourseNotFound) || IsBusinessRule(ErrCourseNotFound) {
		test.Fatalf("course not found must be a not-found error only")
	}
	if IsValidation(ErrInsufficientFunds) {
		test.Fatalf("insufficient funds must not be a validation error")
	}
}

func TestConcurrentPurchasesSpendFundsOnce(test *testing.T) {
	test.Parallel()
	const purchaseCount = 12
	store := newStubStore(test)
	service := mustNewService(test, store)
	email := mustOpenAccount(test, service, clientEmailValue, "100")
	for index := 0; index < purchaseCount; index++ {
		mustCreateCourse(test, service, "course-"+string(rune('a'+index)), CourseTypeBuy, "100")
	}

	var waitGroup sync.WaitGroup
	results := make(chan error, purchaseCount)
	for index := 0; index < purchaseCount; index++ {
		code := mustCourseCode(test, "course-"+string(rune('a'+index)))
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Purchase(context.Background(), email, code)
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	successes, rejections := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientFunds):
			rejections++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || rejections != purchaseCount-1 {
		test.Fatalf("expected 1 success and %d rejections, got %d and %d", purchaseCount-1, successes, rejections)
	}
	state := store.snapshot()
	payments := 0
	for _, transaction := range state.transactions {
		if transaction.Kind == KindPayment {
			payments++
		}
	}
	if payments != 1 {
		test.Fatalf("expected exactly 1 payment, got %d", payments)
	}
	if !state.users[1].Balance.IsZero() {
		test.Fatalf("expected zero balance, got %s", state.users[1].Balance)
	}
}

func TestBalanceEqualsLedgerTotals(test *testing.T) {
	rapid.Check(test, func(rapidTest *rapid.T) {
		store := newStubStore(test)
		service := mustNewService(test, store)
		initial := rapid.IntRange(0, 5000).Draw(rapidTest, "initial")
		email := mustOpenAccount(test, service, clientEmailValue, decimal.NewFromInt(int64(initial)).String())
		mustCreateCourse(test, service, "rent", CourseTypeRent, "99.99")
		mustCreateCourse(test, service, "buy", CourseTypeBuy, "250.10")

		steps := rapid.IntRange(1, 30).Draw(rapidTest, "steps")
		for step := 0; step < steps; step++ {
			switch rapid.IntRange(0, 2).Draw(rapidTest, "operation") {
			case 0:
				cents := rapid.Int64Range(1, 100000).Draw(rapidTest, "cents")
				amount, err := NewPositiveAmount(decimal.New(cents, -2))
				if err != nil {
					rapidTest.Fatalf("amount: %v", err)
				}
				if _, err := service.Deposit(context.Background(), email, amount); err != nil {
					rapidTest.Fatalf("deposit: %v", err)
				}
			case 1:
				_, err := service.Purchase(context.Background(), email, mustCourseCode(test, "rent"))
				if err != nil && !errors.Is(err, ErrInsufficientFunds) {
					rapidTest.Fatalf("purchase rent: %v", err)
				}
			default:
				_, err := service.Purchase(context.Background(), email, mustCourseCode(test, "buy"))
				if err != nil && !errors.Is(err, ErrInsufficientFunds) {
					rapidTest.Fatalf("purchase buy: %v", err)
				}
			}
		}

		state := store.snapshot()
		expected := decimal.Zero
		for _, transaction := range state.transactions {
			switch transaction.Kind {
			case KindDeposit:
				expected = expected.Add(transaction.Amount)
			case KindPayment:
				expected = expected.Sub(transaction.Amount)
			}
		}
		balance := state.users[1].Balance
		if !balance.Equal(expected) {
			rapidTest.Fatalf("balance %s does not match ledger total %s", balance, expected)
		}
		if balance.IsNegative() {
			rapidTest.Fatalf("balance went negative: %s", balance)
		}
	})
}

func TestOpenAccountAppliesInitialDeposit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	email := mustEmail(test, clientEmailValue)

	user, err := service.OpenAccount(context.Background(), email, []string{"ROLE_USER"}, mustDecimal(test, "1000"))
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	if !user.Balance.Equal(mustDecimal(test, "1000")) {
		test.Fatalf("expected balance 1000, got %s", user.Balance)
	}
	state := store.snapshot()
	if len(state.transactions) != 1 || state.transactions[0].Kind != KindDeposit {
		test.Fatalf("expected one deposit, got %+v", state.transactions)
	}

	_, err = service.OpenAccount(context.Background(), email, nil, decimal.Zero)
	if !errors.Is(err, ErrUserExists) {
		test.Fatalf(errorMismatch, ErrUserExists, err)
	}
}

func TestOpenAccountWithoutInitialDepositWritesNoTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	user, err := service.OpenAccount(context.Background(), mustEmail(test, clientEmailValue), nil, decimal.Zero)
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	if !user.Balance.IsZero() {
		test.Fatalf("expected zero balance, got %s", user.Balance)
	}
	if len(store.snapshot().transactions) != 0 {
		test.Fatalf("expected no transactions")
	}

	_, err = service.OpenAccount(context.Background(), mustEmail(test, "other@email.example"), nil, mustDecimal(test, "-1"))
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatch, ErrInvalidAmount, err)
	}
}

func TestCreateCourseStoresFreeCoursesAtZeroPrice(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	course := mustCreateCourse(test, service, "php", CourseTypeFree, "100")
	if !course.Price.IsZero() {
		test.Fatalf("expected zero price, got %s", course.Price)
	}
	_, err := service.CreateCourse(context.Background(), CourseInput{Code: mustCourseCode(test, "php"), Type: CourseTypeBuy, Price: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrCourseExists) {
		test.Fatalf(errorMismatch, ErrCourseExists, err)
	}
	_, err = service.CreateCourse(context.Background(), CourseInput{Code: mustCourseCode(test, "neg"), Type: CourseTypeBuy, Price: decimal.NewFromInt(-1)})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf(errorMismatch, ErrInvalidAmount, err)
	}
	courses, err := service.Courses(context.Background())
	if err != nil || len(courses) != 1 {
		test.Fatalf("expected one course, got %v (%v)", courses, err)
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatch, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatch, ErrInvalidServiceConfig, err)
	}
}
