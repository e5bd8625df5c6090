package billing

import "github.com/shopspring/decimal"

// CourseTotal is the count and exact sum of transactions for one course.
type CourseTotal struct {
	CourseID CourseID
	Code     CourseCode
	Type     CourseType
	Kind     TransactionKind
	Count    int
	Sum      decimal.Decimal
}

// UserReport groups one user's course totals.
type UserReport struct {
	UserID  UserID
	Email   Email
	Courses []CourseTotal
	Total   decimal.Decimal
}

// MonthlyReport is the grouped view over a date range.
type MonthlyReport struct {
	Range     DateRange
	Kind      TransactionKind
	PerUser   []UserReport
	PerCourse []CourseTotal
	Total     decimal.Decimal
	// Skipped counts transactions left out because their course could not be resolved.
	Skipped int
}

// BuildMonthlyReport groups transactions per user then course, and per course. Groups keep the
// order in which they first appear in transactions. Sums use exact decimal arithmetic.
// Transactions of another kind or created outside dateRange are ignored.
func BuildMonthlyReport(dateRange DateRange, kind TransactionKind, transactions []Transaction) MonthlyReport {
	report := MonthlyReport{Range: dateRange, Kind: kind, Total: decimal.Zero}
	userIndex := make(map[UserID]int)
	userCourseIndex := make(map[UserID]map[CourseID]int)
	courseIndex := make(map[CourseID]int)

	for _, transaction := range transactions {
		if transaction.Kind != kind || !dateRange.Contains(transaction.CreatedAt) {
			continue
		}
		if transaction.Course == nil {
			report.Skipped++
			continue
		}
		course := *transaction.Course

		position, ok := userIndex[transaction.ClientID]
		if !ok {
			position = len(report.PerUser)
			userIndex[transaction.ClientID] = position
			userCourseIndex[transaction.ClientID] = make(map[CourseID]int)
			report.PerUser = append(report.PerUser, UserReport{
				UserID: transaction.ClientID,
				Email:  transaction.ClientEmail,
				Total:  decimal.Zero,
			})
		}
		userReport := &report.PerUser[position]
		coursePosition, ok := userCourseIndex[transaction.ClientID][course.ID]
		if !ok {
			coursePosition = len(userReport.Courses)
			userCourseIndex[transaction.ClientID][course.ID] = coursePosition
			userReport.Courses = append(userReport.Courses, newCourseTotal(course, transaction.Kind))
		}
		userReport.Courses[coursePosition].add(transaction.Amount)
		userReport.Total = userReport.Total.Add(transaction.Amount)

		globalPosition, ok := courseIndex[course.ID]
		if !ok {
			globalPosition = len(report.PerCourse)
			courseIndex[course.ID] = globalPosition
			report.PerCourse = append(report.PerCourse, newCourseTotal(course, transaction.Kind))
		}
		report.PerCourse[globalPosition].add(transaction.Amount)
		report.Total = report.Total.Add(transaction.Amount)
	}
	return report
}

func newCourseTotal(course Course, kind TransactionKind) CourseTotal {
	return CourseTotal{
		CourseID: course.ID,
		Code:     course.Code,
		Type:     course.Type,
		Kind:     kind,
		Sum:      decimal.Zero,
	}
}

func (total *CourseTotal) add(amount decimal.Decimal) {
	total.Count++
	total.Sum = total.Sum.Add(amount)
}
