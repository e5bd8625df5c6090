package billing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseCourseTypeRoundTrip(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw  string
		want CourseType
		code int16
	}{
		{raw: "free", want: CourseTypeFree, code: 1},
		{raw: "rent", want: CourseTypeRent, code: 2},
		{raw: " BUY ", want: CourseTypeBuy, code: 3},
	}
	for _, testCase := range testCases {
		parsed, err := ParseCourseType(testCase.raw)
		if err != nil {
			test.Fatalf("parse %q: %v", testCase.raw, err)
		}
		if parsed != testCase.want || int16(parsed) != testCase.code {
			test.Fatalf("expected %v (%d), got %v (%d)", testCase.want, testCase.code, parsed, int16(parsed))
		}
		fromCode, err := CourseTypeFromCode(testCase.code)
		if err != nil || fromCode != testCase.want {
			test.Fatalf("code %d: expected %v, got %v (%v)", testCase.code, testCase.want, fromCode, err)
		}
	}
	if _, err := ParseCourseType("lease"); !errors.Is(err, ErrInvalidCourseType) {
		test.Fatalf(errorMismatch, ErrInvalidCourseType, err)
	}
	if _, err := CourseTypeFromCode(7); !errors.Is(err, ErrInvalidCourseType) {
		test.Fatalf(errorMismatch, ErrInvalidCourseType, err)
	}
}

func TestTransactionKindSerializesAsLiteral(test *testing.T) {
	test.Parallel()
	payload := struct {
		Kind TransactionKind `json:"type"`
		Type CourseType      `json:"course_type"`
	}{Kind: KindPayment, Type: CourseTypeRent}
	raw, err := json.Marshal(payload)
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"type":"payment","course_type":"rent"}` {
		test.Fatalf("unexpected json %s", raw)
	}
	var decoded struct {
		Kind TransactionKind `json:"type"`
	}
	if err := json.Unmarshal([]byte(`{"type":"deposit"}`), &decoded); err != nil {
		test.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != KindDeposit {
		test.Fatalf("expected deposit, got %v", decoded.Kind)
	}
	if err := json.Unmarshal([]byte(`{"type":"refund"}`), &decoded); !errors.Is(err, ErrInvalidTransactionKind) {
		test.Fatalf(errorMismatch, ErrInvalidTransactionKind, err)
	}
}

func TestPositiveAmountValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw     string
		want    string
		wantErr error
	}{
		{raw: "10", want: "10.00"},
		{raw: "0.005", want: "0.01"},
		{raw: "0.004", wantErr: ErrInvalidAmount},
		{raw: "0", wantErr: ErrInvalidAmount},
		{raw: "-5", wantErr: ErrInvalidAmount},
		{raw: "ten", wantErr: ErrInvalidAmount},
	}
	for _, testCase := range testCases {
		amount, err := ParsePositiveAmount(testCase.raw)
		if testCase.wantErr != nil {
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("%q: "+errorMismatch, testCase.raw, testCase.wantErr, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%q: %v", testCase.raw, err)
		}
		if amount.String() != testCase.want {
			test.Fatalf("%q: expected %s, got %s", testCase.raw, testCase.want, amount.String())
		}
	}
}

func TestEmailAndCourseCodeValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewEmail("  "); !errors.Is(err, ErrInvalidEmail) {
		test.Fatalf(errorMismatch, ErrInvalidEmail, err)
	}
	if _, err := NewEmail("no-at-sign"); !errors.Is(err, ErrInvalidEmail) {
		test.Fatalf(errorMismatch, ErrInvalidEmail, err)
	}
	email, err := NewEmail(" User@Email.example ")
	if err != nil || email.String() != "User@Email.example" {
		test.Fatalf("email must be trimmed but keep case, got %q (%v)", email.String(), err)
	}
	if _, err := NewCourseCode(""); !errors.Is(err, ErrInvalidCourseCode) {
		test.Fatalf(errorMismatch, ErrInvalidCourseCode, err)
	}
}

func TestCourseChargeIgnoresStoredPriceForFreeCourses(test *testing.T) {
	test.Parallel()
	course := Course{Type: CourseTypeFree, Price: decimal.NewFromInt(99)}
	if !course.Charge().IsZero() {
		test.Fatalf("expected zero charge, got %s", course.Charge())
	}
	course.Type = CourseTypeRent
	if !course.Charge().Equal(decimal.NewFromInt(99)) {
		test.Fatalf("expected stored price, got %s", course.Charge())
	}
}

func TestMonthRangeBounds(test *testing.T) {
	test.Parallel()
	dateRange := MonthRange(time.Date(2024, time.February, 14, 8, 0, 0, 0, time.UTC))
	if !dateRange.Start.Equal(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("unexpected start %s", dateRange.Start)
	}
	if !dateRange.End.Equal(time.Date(2024, time.February, 29, 23, 59, 59, 0, time.UTC)) {
		test.Fatalf("unexpected end %s", dateRange.End)
	}
	if !dateRange.Contains(dateRange.End) || dateRange.Contains(dateRange.End.Add(time.Second)) {
		test.Fatalf("range must include its end and nothing after")
	}
}

func TestWindowValidation(test *testing.T) {
	test.Parallel()
	if _, err := NewWindowAhead(fixedNow, 0); !errors.Is(err, ErrInvalidWindow) {
		test.Fatalf(errorMismatch, ErrInvalidWindow, err)
	}
	if _, err := NewWindow(fixedNow, fixedNow.Add(-time.Minute)); !errors.Is(err, ErrInvalidWindow) {
		test.Fatalf(errorMismatch, ErrInvalidWindow, err)
	}
	window, err := NewWindowAhead(fixedNow, time.Hour)
	if err != nil {
		test.Fatalf("window: %v", err)
	}
	if !window.Contains(fixedNow) || !window.Contains(fixedNow.Add(time.Hour)) || window.Contains(fixedNow.Add(-time.Second)) {
		test.Fatalf("window bounds must be inclusive")
	}
}

func TestTransactionExpired(test *testing.T) {
	test.Parallel()
	expiresAt := fixedNow
	transaction := Transaction{ExpiresAt: &expiresAt}
	if !transaction.Expired(fixedNow) {
		test.Fatalf("a window closing now is expired")
	}
	if transaction.Expired(fixedNow.Add(-time.Second)) {
		test.Fatalf("window still open a second earlier")
	}
	if (Transaction{}).Expired(fixedNow) {
		test.Fatalf("permanent access never expires")
	}
}
