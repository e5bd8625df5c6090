package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	defaultRolesJSON        = "[]"
	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectCourse      = "course"
	errorSubjectTransaction = "transaction"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeUpdateBalance  = "update_balance"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateUser(ctx context.Context, email billing.Email, roles []string) (billing.User, error) {
	if roles == nil {
		roles = []string{}
	}
	encodedRoles, err := json.Marshal(roles)
	if err != nil {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	row := User{
		Email:     email.String(),
		Roles:     datatypes.JSON(encodedRoles),
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeDuplicate, billing.ErrUserExists)
	}
	if err != nil {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return mapUser(row)
}

func (store *Store) GetUserByEmail(ctx context.Context, email billing.Email) (billing.User, error) {
	return store.findUser(store.db.WithContext(ctx), email, errorCodeGet)
}

func (store *Store) LockUserByEmail(ctx context.Context, email billing.Email) (billing.User, error) {
	locked := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
	return store.findUser(locked, email, errorCodeLock)
}

func (store *Store) findUser(db *gorm.DB, email billing.Email, code string) (billing.User, error) {
	var row User
	err := db.Where("email = ?", email.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.User{}, wrapStoreError(errorSubjectUser, code, billing.ErrUserNotFound)
		}
		return billing.User{}, wrapStoreError(errorSubjectUser, code, err)
	}
	return mapUser(row)
}

func (store *Store) UpdateUserBalance(ctx context.Context, userID billing.UserID, balance decimal.Decimal, expectedVersion int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND version = ?", int64(userID), expectedVersion).
		Updates(map[string]interface{}{
			"balance": balance,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdateBalance, billing.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) CreateCourse(ctx context.Context, input billing.CourseInput) (billing.Course, error) {
	row := Course{
		Code:  input.Code.String(),
		Price: input.Price,
		Type:  int16(input.Type),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeDuplicate, billing.ErrCourseExists)
	}
	if err != nil {
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeCreate, err)
	}
	return mapCourse(row)
}

func (store *Store) GetCourseByCode(ctx context.Context, code billing.CourseCode) (billing.Course, error) {
	var row Course
	err := store.db.WithContext(ctx).Where("code = ?", code.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, billing.ErrCourseNotFound)
		}
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, err)
	}
	return mapCourse(row)
}

func (store *Store) ListCourses(ctx context.Context) ([]billing.Course, error) {
	var rows []Course
	if err := store.db.WithContext(ctx).Order("code ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectCourse, errorCodeList, err)
	}
	courses := make([]billing.Course, 0, len(rows))
	for _, row := range rows {
		course, err := mapCourse(row)
		if err != nil {
			return nil, err
		}
		courses = append(courses, course)
	}
	return courses, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input billing.TransactionInput) (billing.Transaction, error) {
	row := Transaction{
		ClientID:  int64(input.ClientID),
		Type:      int16(input.Kind),
		Amount:    input.Amount,
		CreatedAt: input.CreatedAt.UTC(),
	}
	if input.CourseID != nil {
		courseID := int64(*input.CourseID)
		row.CourseID = &courseID
	}
	if input.ExpiresAt != nil {
		expiresAt := input.ExpiresAt.UTC()
		row.ExpiresAt = &expiresAt
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error; err != nil {
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, query billing.TransactionQuery) ([]billing.Transaction, error) {
	statement := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Joins("JOIN billing_users ON billing_users.id = transactions.client_id").
		Where("billing_users.email = ?", query.Username.String())
	if query.Kind != nil {
		statement = statement.Where("transactions.type = ?", int16(*query.Kind))
	}
	if query.CourseCode != nil {
		statement = statement.
			Joins("JOIN courses ON courses.id = transactions.course_id").
			Where("courses.code = ?", query.CourseCode.String())
	}
	if query.SkipExpired {
		statement = statement.Where("(transactions.expires_at IS NULL OR transactions.expires_at > ?)", query.At.UTC())
	}
	return store.findTransactions(statement.Order("transactions.created_at DESC").Order("transactions.id DESC"))
}

func (store *Store) ListPaymentsExpiringBetween(ctx context.Context, window billing.Window) ([]billing.Transaction, error) {
	statement := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("type = ?", int16(billing.KindPayment)).
		Where("expires_at BETWEEN ? AND ?", window.Start.UTC(), window.End.UTC()).
		Order("expires_at ASC").
		Order("id ASC")
	return store.findTransactions(statement)
}

func (store *Store) ListTransactionsCreatedBetween(ctx context.Context, dateRange billing.DateRange, kind billing.TransactionKind) ([]billing.Transaction, error) {
	statement := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("type = ?", int16(kind)).
		Where("created_at BETWEEN ? AND ?", dateRange.Start.UTC(), dateRange.End.UTC()).
		Order("id ASC")
	return store.findTransactions(statement)
}

func (store *Store) findTransactions(statement *gorm.DB) ([]billing.Transaction, error) {
	var rows []Transaction
	if err := statement.Preload("Client").Preload("Course").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]billing.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapUser(row User) (billing.User, error) {
	email, err := billing.NewEmail(row.Email)
	if err != nil {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	raw := string(row.Roles)
	if raw == "" {
		raw = defaultRolesJSON
	}
	var roles []string
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return billing.User{
		ID:      billing.UserID(row.ID),
		Email:   email,
		Balance: row.Balance,
		Roles:   roles,
		Version: row.Version,
	}, nil
}

func mapCourse(row Course) (billing.Course, error) {
	code, err := billing.NewCourseCode(row.Code)
	if err != nil {
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeInvalid, err)
	}
	courseType, err := billing.CourseTypeFromCode(row.Type)
	if err != nil {
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeInvalid, err)
	}
	return billing.Course{
		ID:    billing.CourseID(row.ID),
		Code:  code,
		Type:  courseType,
		Price: row.Price,
	}, nil
}

func mapTransaction(row Transaction) (billing.Transaction, error) {
	kind, err := billing.TransactionKindFromCode(row.Type)
	if err != nil {
		return billing.Transaction{}, err
	}
	transaction := billing.Transaction{
		ID:        billing.TransactionID(row.ID),
		ClientID:  billing.UserID(row.ClientID),
		Kind:      kind,
		Amount:    row.Amount,
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.Client.ID != 0 {
		email, err := billing.NewEmail(row.Client.Email)
		if err != nil {
			return billing.Transaction{}, err
		}
		transaction.ClientEmail = email
	}
	if row.CourseID != nil {
		courseID := billing.CourseID(*row.CourseID)
		transaction.CourseID = &courseID
	}
	if row.Course != nil {
		course, err := mapCourse(*row.Course)
		if err != nil {
			return billing.Transaction{}, err
		}
		transaction.Course = &course
	}
	if row.ExpiresAt != nil {
		expiresAt := row.ExpiresAt.UTC()
		transaction.ExpiresAt = &expiresAt
	}
	return transaction, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
