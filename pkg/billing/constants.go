package billing

import "time"

const (
	operationDeposit      = "deposit"
	operationPurchase     = "purchase"
	operationOpenAccount  = "open_account"
	operationCreateCourse = "create_course"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	moneyScale = 2

	// RentalPeriod is how long a rent-type purchase grants access.
	RentalPeriod = 7 * 24 * time.Hour
)
