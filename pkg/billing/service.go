package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "coursebilling/billing"

// Service is the Payment Engine and Query Engine over a Store. It keeps no balances in memory.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
	tracer trace.Tracer
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, tracer: otel.Tracer(tracerName)}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithTracer replaces the tracer taken from the global OpenTelemetry provider.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(service *Service) {
		if tracer != nil {
			service.tracer = tracer
		}
	}
}

// Deposit credits the user's balance and records a deposit transaction in one atomic unit.
func (service *Service) Deposit(ctx context.Context, email Email, amount PositiveAmount) (Transaction, error) {
	ctx, span := service.tracer.Start(ctx, "billing.deposit", trace.WithAttributes(
		attribute.String("user.email", email.String()),
		attribute.String("amount", amount.String()),
	))
	defer span.End()

	var created Transaction
	operationError := service.validateDeposit(email, amount)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			user, err := transactionStore.LockUserByEmail(ctx, email)
			if err != nil {
				return err
			}
			transaction, err := applyDeposit(ctx, transactionStore, user, amount.Decimal(), service.now())
			if err != nil {
				return err
			}
			created = transaction
			return nil
		})
	}
	recordSpanError(span, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:     operationDeposit,
		Email:         email,
		Amount:        amount.Decimal(),
		TransactionID: created.ID,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return created, nil
}

// Purchase charges the course price and records a payment in one atomic unit. The balance check
// runs against the locked user row, so concurrent purchases cannot both spend the same funds.
func (service *Service) Purchase(ctx context.Context, email Email, code CourseCode) (Transaction, error) {
	ctx, span := service.tracer.Start(ctx, "billing.purchase", trace.WithAttributes(
		attribute.String("user.email", email.String()),
		attribute.String("course.code", code.String()),
	))
	defer span.End()

	var created Transaction
	operationError := service.validatePurchase(email, code)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			user, err := transactionStore.LockUserByEmail(ctx, email)
			if err != nil {
				return err
			}
			course, err := transactionStore.GetCourseByCode(ctx, code)
			if err != nil {
				return err
			}
			if course.Type == CourseTypeFree {
				return fmt.Errorf("%w: %s is free", ErrCourseNotPurchasable, course.Code)
			}
			charge := course.Charge()
			if user.Balance.LessThan(charge) {
				return ErrInsufficientFunds
			}
			if err := transactionStore.UpdateUserBalance(ctx, user.ID, user.Balance.Sub(charge), user.Version); err != nil {
				return err
			}
			createdAt := service.now()
			var expiresAt *time.Time
			if course.Type == CourseTypeRent {
				value := createdAt.Add(RentalPeriod)
				expiresAt = &value
			}
			courseID := course.ID
			transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
				ClientID:  user.ID,
				CourseID:  &courseID,
				Kind:      KindPayment,
				Amount:    charge,
				CreatedAt: createdAt,
				ExpiresAt: expiresAt,
			})
			if err != nil {
				return err
			}
			transaction.ClientEmail = user.Email
			transaction.Course = &course
			created = transaction
			return nil
		})
	}
	recordSpanError(span, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:     operationPurchase,
		Email:         email,
		CourseCode:    code,
		Amount:        created.Amount,
		TransactionID: created.ID,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return created, nil
}

// OpenAccount creates a billing user with a zero balance and, when initialDeposit is positive,
// deposits it within the same atomic unit.
func (service *Service) OpenAccount(ctx context.Context, email Email, roles []string, initialDeposit decimal.Decimal) (User, error) {
	ctx, span := service.tracer.Start(ctx, "billing.open_account", trace.WithAttributes(
		attribute.String("user.email", email.String()),
	))
	defer span.End()

	var opened User
	var operationError error
	initial := initialDeposit.Round(moneyScale)
	switch {
	case email.String() == "":
		operationError = fmt.Errorf("%w: empty value", ErrInvalidEmail)
	case initial.IsNegative():
		operationError = fmt.Errorf("%w: initial deposit must not be negative", ErrInvalidAmount)
	default:
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			user, err := transactionStore.CreateUser(ctx, email, roles)
			if err != nil {
				return err
			}
			if initial.IsPositive() {
				if _, err := applyDeposit(ctx, transactionStore, user, initial, service.now()); err != nil {
					return err
				}
				user.Balance = user.Balance.Add(initial)
				user.Version++
			}
			opened = user
			return nil
		})
	}
	recordSpanError(span, operationError)
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		Email:     email,
		Amount:    initial,
		Error:     operationError,
	})
	if operationError != nil {
		return User{}, operationError
	}
	return opened, nil
}

// Account returns the user with its current balance.
func (service *Service) Account(ctx context.Context, email Email) (User, error) {
	if email.String() == "" {
		return User{}, fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	return service.store.GetUserByEmail(ctx, email)
}

// CreateCourse adds a course to the catalog.
func (service *Service) CreateCourse(ctx context.Context, input CourseInput) (Course, error) {
	validated, operationError := NewCourseInput(input.Code, input.Type, input.Price)
	var course Course
	if operationError == nil {
		course, operationError = service.store.CreateCourse(ctx, validated)
	}
	service.logOperation(ctx, OperationLog{
		Operation:  operationCreateCourse,
		CourseCode: input.Code,
		Amount:     validated.Price,
		Error:      operationError,
	})
	if operationError != nil {
		return Course{}, operationError
	}
	return course, nil
}

// Course looks up a course by code.
func (service *Service) Course(ctx context.Context, code CourseCode) (Course, error) {
	if code.String() == "" {
		return Course{}, fmt.Errorf("%w: empty value", ErrInvalidCourseCode)
	}
	return service.store.GetCourseByCode(ctx, code)
}

// Courses lists the catalog ordered by code.
func (service *Service) Courses(ctx context.Context) ([]Course, error) {
	return service.store.ListCourses(ctx)
}

func (service *Service) validateDeposit(email Email, amount PositiveAmount) error {
	if email.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	if !amount.Decimal().IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

func (service *Service) validatePurchase(email Email, code CourseCode) error {
	if email.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	if code.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidCourseCode)
	}
	return nil
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC().Truncate(time.Second)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func applyDeposit(ctx context.Context, transactionStore Store, user User, amount decimal.Decimal, createdAt time.Time) (Transaction, error) {
	if err := transactionStore.UpdateUserBalance(ctx, user.ID, user.Balance.Add(amount), user.Version); err != nil {
		return Transaction{}, err
	}
	transaction, err := transactionStore.InsertTransaction(ctx, TransactionInput{
		ClientID:  user.ID,
		Kind:      KindDeposit,
		Amount:    amount,
		CreatedAt: createdAt,
	})
	if err != nil {
		return Transaction{}, err
	}
	transaction.ClientEmail = user.Email
	return transaction, nil
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	code := ErrorCode(err)
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.code", code))
	span.SetStatus(codes.Error, code)
}
