package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a billing user.
type UserID int64

// CourseID identifies a course row.
type CourseID int64

// TransactionID identifies a ledger record; ids grow with insertion order.
type TransactionID int64

// Email is the exact, case-sensitive login of a user.
type Email struct {
	value string
}

// CourseCode is the public identifier of a course.
type CourseCode struct {
	value string
}

// PositiveAmount is a monetary amount strictly greater than zero, rounded to cents.
type PositiveAmount struct {
	value decimal.Decimal
}

// NewEmail validates and normalizes an email.
func NewEmail(raw string) (Email, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Email{}, fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	if !strings.Contains(trimmed, "@") {
		return Email{}, fmt.Errorf("%w: missing @", ErrInvalidEmail)
	}
	return Email{value: trimmed}, nil
}

// String returns the normalized email.
func (email Email) String() string {
	return email.value
}

// NewCourseCode validates and normalizes a course code.
func NewCourseCode(raw string) (CourseCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return CourseCode{}, fmt.Errorf("%w: empty value", ErrInvalidCourseCode)
	}
	return CourseCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code CourseCode) String() string {
	return code.value
}

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw decimal.Decimal) (PositiveAmount, error) {
	rounded := raw.Round(moneyScale)
	if !rounded.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount{value: rounded}, nil
}

// ParsePositiveAmount parses a decimal string such as "150.50".
func ParsePositiveAmount(raw string) (PositiveAmount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveAmount{}, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, raw)
	}
	return NewPositiveAmount(parsed)
}

// Decimal returns the amount value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// String formats the amount with two fractional digits.
func (amount PositiveAmount) String() string {
	return amount.value.StringFixed(moneyScale)
}

// CourseType enumerates how a course grants access. Stored as a small integer.
type CourseType int16

const (
	CourseTypeFree CourseType = 1
	CourseTypeRent CourseType = 2
	CourseTypeBuy  CourseType = 3
)

var courseTypeNames = map[CourseType]string{
	CourseTypeFree: "free",
	CourseTypeRent: "rent",
	CourseTypeBuy:  "buy",
}

// ParseCourseType maps the literal name to a CourseType.
func ParseCourseType(raw string) (CourseType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for courseType, name := range courseTypeNames {
		if name == normalized {
			return courseType, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCourseType, raw)
}

// CourseTypeFromCode maps the stored integer to a CourseType.
func CourseTypeFromCode(code int16) (CourseType, error) {
	courseType := CourseType(code)
	if _, ok := courseTypeNames[courseType]; !ok {
		return 0, fmt.Errorf("%w: code %d", ErrInvalidCourseType, code)
	}
	return courseType, nil
}

// String returns the literal name (free, rent, buy).
func (courseType CourseType) String() string {
	if name, ok := courseTypeNames[courseType]; ok {
		return name
	}
	return "unknown"
}

// MarshalText serializes the literal name.
func (courseType CourseType) MarshalText() ([]byte, error) {
	if _, ok := courseTypeNames[courseType]; !ok {
		return nil, fmt.Errorf("%w: code %d", ErrInvalidCourseType, int16(courseType))
	}
	return []byte(courseType.String()), nil
}

// UnmarshalText parses the literal name.
func (courseType *CourseType) UnmarshalText(text []byte) error {
	parsed, err := ParseCourseType(string(text))
	if err != nil {
		return err
	}
	*courseType = parsed
	return nil
}

// TransactionKind enumerates ledger record kinds. Stored as a small integer.
type TransactionKind int16

const (
	KindPayment TransactionKind = 1
	KindDeposit TransactionKind = 2
)

var transactionKindNames = map[TransactionKind]string{
	KindPayment: "payment",
	KindDeposit: "deposit",
}

// ParseTransactionKind maps the literal name to a TransactionKind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for kind, name := range transactionKindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// TransactionKindFromCode maps the stored integer to a TransactionKind.
func TransactionKindFromCode(code int16) (TransactionKind, error) {
	kind := TransactionKind(code)
	if _, ok := transactionKindNames[kind]; !ok {
		return 0, fmt.Errorf("%w: code %d", ErrInvalidTransactionKind, code)
	}
	return kind, nil
}

// String returns the literal name (payment, deposit).
func (kind TransactionKind) String() string {
	if name, ok := transactionKindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// MarshalText serializes the literal name.
func (kind TransactionKind) MarshalText() ([]byte, error) {
	if _, ok := transactionKindNames[kind]; !ok {
		return nil, fmt.Errorf("%w: code %d", ErrInvalidTransactionKind, int16(kind))
	}
	return []byte(kind.String()), nil
}

// UnmarshalText parses the literal name.
func (kind *TransactionKind) UnmarshalText(text []byte) error {
	parsed, err := ParseTransactionKind(string(text))
	if err != nil {
		return err
	}
	*kind = parsed
	return nil
}

// User is a billing account holder. Balance is a materialized running total of the ledger.
type User struct {
	ID      UserID
	Email   Email
	Balance decimal.Decimal
	Roles   []string
	Version int64
}

// Course is a purchasable unit of content.
type Course struct {
	ID    CourseID
	Code  CourseCode
	Type  CourseType
	Price decimal.Decimal
}

// Charge returns the amount a purchase costs; free courses never cost anything.
func (course Course) Charge() decimal.Decimal {
	if course.Type == CourseTypeFree {
		return decimal.Zero
	}
	return course.Price
}

// CourseInput describes a course to create.
type CourseInput struct {
	Code  CourseCode
	Type  CourseType
	Price decimal.Decimal
}

// NewCourseInput validates course attributes. Free courses are stored with a zero price.
func NewCourseInput(code CourseCode, courseType CourseType, price decimal.Decimal) (CourseInput, error) {
	if code.String() == "" {
		return CourseInput{}, fmt.Errorf("%w: empty value", ErrInvalidCourseCode)
	}
	if _, ok := courseTypeNames[courseType]; !ok {
		return CourseInput{}, fmt.Errorf("%w: code %d", ErrInvalidCourseType, int16(courseType))
	}
	rounded := price.Round(moneyScale)
	if rounded.IsNegative() {
		return CourseInput{}, fmt.Errorf("%w: price must not be negative", ErrInvalidAmount)
	}
	if courseType == CourseTypeFree {
		rounded = decimal.Zero
	}
	return CourseInput{Code: code, Type: courseType, Price: rounded}, nil
}

// Transaction is an immutable ledger record joined with its owner and course.
// Course is nil for deposits and for payments whose course could not be resolved.
type Transaction struct {
	ID          TransactionID
	ClientID    UserID
	ClientEmail Email
	CourseID    *CourseID
	Course      *Course
	Kind        TransactionKind
	Amount      decimal.Decimal
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// Expired reports whether the rental window closed at or before the given instant.
func (transaction Transaction) Expired(at time.Time) bool {
	return transaction.ExpiresAt != nil && !transaction.ExpiresAt.After(at)
}

// TransactionInput is the record written by the Payment Engine.
type TransactionInput struct {
	ClientID  UserID
	CourseID  *CourseID
	Kind      TransactionKind
	Amount    decimal.Decimal
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// TransactionFilter selects a user's transactions.
type TransactionFilter struct {
	Username    Email
	Kind        *TransactionKind
	CourseCode  *CourseCode
	SkipExpired bool
}

// TransactionQuery is a TransactionFilter resolved against a fixed instant.
type TransactionQuery struct {
	TransactionFilter
	At time.Time
}

// Window is an inclusive time interval used by the ending-soon scan.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates an inclusive interval.
func NewWindow(start time.Time, end time.Time) (Window, error) {
	if end.Before(start) {
		return Window{}, fmt.Errorf("%w: end precedes start", ErrInvalidWindow)
	}
	return Window{Start: start.UTC(), End: end.UTC()}, nil
}

// NewWindowAhead returns [now, now+length].
func NewWindowAhead(now time.Time, length time.Duration) (Window, error) {
	if length <= 0 {
		return Window{}, fmt.Errorf("%w: length must be positive", ErrInvalidWindow)
	}
	return NewWindow(now, now.Add(length))
}

// Contains reports whether the instant falls inside the window, bounds included.
func (window Window) Contains(at time.Time) bool {
	return !at.Before(window.Start) && !at.After(window.End)
}

// DateRange bounds a report on createdAt, both ends included.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange validates a report range.
func NewDateRange(start time.Time, end time.Time) (DateRange, error) {
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("%w: end precedes start", ErrInvalidDateRange)
	}
	return DateRange{Start: start, End: end}, nil
}

// MonthRange returns the calendar month containing at: first day at midnight through
// the last day at 23:59:59, in at's location.
func MonthRange(at time.Time) DateRange {
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	return DateRange{Start: start, End: end}
}

// Contains reports whether the instant falls inside the range, bounds included.
func (dateRange DateRange) Contains(at time.Time) bool {
	return !at.Before(dateRange.Start) && !at.After(dateRange.End)
}

// Store is the Ledger Store contract used by Service.
// Methods called on the txStore handed to WithTx run inside one atomic unit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateUser(ctx context.Context, email Email, roles []string) (User, error)
	GetUserByEmail(ctx context.Context, email Email) (User, error)
	// LockUserByEmail reads the user row and holds it until the atomic unit ends.
	LockUserByEmail(ctx context.Context, email Email) (User, error)
	// UpdateUserBalance writes the balance if the row still carries expectedVersion.
	UpdateUserBalance(ctx context.Context, userID UserID, balance decimal.Decimal, expectedVersion int64) error
	CreateCourse(ctx context.Context, input CourseInput) (Course, error)
	GetCourseByCode(ctx context.Context, code CourseCode) (Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	ListTransactions(ctx context.Context, query TransactionQuery) ([]Transaction, error)
	ListPaymentsExpiringBetween(ctx context.Context, window Window) ([]Transaction, error)
	ListTransactionsCreatedBetween(ctx context.Context, dateRange DateRange, kind TransactionKind) ([]Transaction, error)
}

// FormatMoney renders an amount with two fractional digits.
func FormatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(moneyScale)
}
