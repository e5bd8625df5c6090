package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coursebilling/pkg/billing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintUserEmail     = "uniq_billing_users_email"
	constraintCourseCode    = "uniq_courses_code"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectUser        = "user"
	errorSubjectCourse      = "course"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeUpdateBalance  = "update_balance"

	sqlInsertUser = `
		insert into billing_users(email, roles, balance, version, created_at)
		values($1, $2::jsonb, 0, 0, now())
		returning id, email, roles::text, balance::text, version
	`

	sqlSelectUserByEmail = `
		select id, email, coalesce(roles::text, '[]'), balance::text, version
		from billing_users
		where email = $1
	`

	sqlLockUserByEmail = sqlSelectUserByEmail + `
		for update
	`

	sqlUpdateUserBalance = `
		update billing_users
		set balance = $3::numeric, version = version + 1
		where id = $1 and version = $2
	`

	sqlInsertCourse = `
		insert into courses(code, price, type)
		values($1, $2::numeric, $3)
		returning id, code, price::text, type
	`

	sqlSelectCourseByCode = `
		select id, code, price::text, type
		from courses
		where code = $1
	`

	sqlListCourses = `
		select id, code, price::text, type
		from courses
		order by code asc
	`

	sqlInsertTransaction = `
		insert into transactions(client_id, course_id, type, amount, created_at, expires_at)
		values($1, $2, $3, $4::numeric, $5, $6)
		returning id
	`

	sqlSelectTransactions = `
		select
			t.id,
			t.client_id,
			u.email,
			t.course_id,
			c.code,
			c.price::text,
			c.type,
			t.type,
			t.amount::text,
			t.created_at,
			t.expires_at
		from transactions t
		join billing_users u on u.id = t.client_id
		left join courses c on c.id = t.course_id
	`

	sqlListPaymentsExpiringBetween = sqlSelectTransactions + `
		where t.type = $1 and t.expires_at between $2 and $3
		order by t.expires_at asc, t.id asc
	`

	sqlListTransactionsCreatedBetween = sqlSelectTransactions + `
		where t.type = $1 and t.created_at between $2 and $3
		order by t.id asc
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

type queries struct {
	db querier
}

// Store implements billing.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements billing.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// WithTx runs fn in a read-committed transaction. Balance writes are serialized by the
// row lock taken in LockUserByEmail.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return fn(ctx, store)
}

func (store *queries) CreateUser(ctx context.Context, email billing.Email, roles []string) (billing.User, error) {
	if roles == nil {
		roles = []string{}
	}
	encodedRoles, err := json.Marshal(roles)
	if err != nil {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	user, err := scanUser(store.db.QueryRow(ctx, sqlInsertUser, email.String(), string(encodedRoles)))
	if isUniqueViolation(err, constraintUserEmail) {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeDuplicate, billing.ErrUserExists)
	}
	if err != nil {
		return billing.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return user, nil
}

func (store *queries) GetUserByEmail(ctx context.Context, email billing.Email) (billing.User, error) {
	return store.findUser(ctx, sqlSelectUserByEmail, email, errorCodeGet)
}

func (store *queries) LockUserByEmail(ctx context.Context, email billing.Email) (billing.User, error) {
	return store.findUser(ctx, sqlLockUserByEmail, email, errorCodeLock)
}

func (store *queries) findUser(ctx context.Context, query string, email billing.Email, code string) (billing.User, error) {
	user, err := scanUser(store.db.QueryRow(ctx, query, email.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.User{}, wrapStoreError(errorSubjectUser, code, billing.ErrUserNotFound)
		}
		return billing.User{}, wrapStoreError(errorSubjectUser, code, err)
	}
	return user, nil
}

func (store *queries) UpdateUserBalance(ctx context.Context, userID billing.UserID, balance decimal.Decimal, expectedVersion int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateUserBalance, int64(userID), expectedVersion, balance.String())
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdateBalance, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdateBalance, billing.ErrConcurrentUpdate)
	}
	return nil
}

func (store *queries) CreateCourse(ctx context.Context, input billing.CourseInput) (billing.Course, error) {
	course, err := scanCourse(store.db.QueryRow(ctx, sqlInsertCourse, input.Code.String(), input.Price.String(), int16(input.Type)))
	if isUniqueViolation(err, constraintCourseCode) {
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeDuplicate, billing.ErrCourseExists)
	}
	if err != nil {
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeCreate, err)
	}
	return course, nil
}

func (store *queries) GetCourseByCode(ctx context.Context, code billing.CourseCode) (billing.Course, error) {
	course, err := scanCourse(store.db.QueryRow(ctx, sqlSelectCourseByCode, code.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, billing.ErrCourseNotFound)
		}
		return billing.Course{}, wrapStoreError(errorSubjectCourse, errorCodeGet, err)
	}
	return course, nil
}

func (store *queries) ListCourses(ctx context.Context) ([]billing.Course, error) {
	rows, err := store.db.Query(ctx, sqlListCourses)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCourse, errorCodeList, err)
	}
	defer rows.Close()
	courses := make([]billing.Course, 0)
	for rows.Next() {
		course, err := scanCourse(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCourse, errorCodeInvalid, err)
		}
		courses = append(courses, course)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCourse, errorCodeList, err)
	}
	return courses, nil
}

func (store *queries) InsertTransaction(ctx context.Context, input billing.TransactionInput) (billing.Transaction, error) {
	var courseID *int64
	if input.CourseID != nil {
		value := int64(*input.CourseID)
		courseID = &value
	}
	createdAt := input.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var expiresAt *time.Time
	if input.ExpiresAt != nil {
		value := input.ExpiresAt.UTC()
		expiresAt = &value
	}
	var id int64
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		int64(input.ClientID),
		courseID,
		int16(input.Kind),
		input.Amount.String(),
		createdAt,
		expiresAt,
	).Scan(&id)
	if err != nil {
		return billing.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return billing.Transaction{
		ID:        billing.TransactionID(id),
		ClientID:  input.ClientID,
		CourseID:  input.CourseID,
		Kind:      input.Kind,
		Amount:    input.Amount,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

func (store *queries) ListTransactions(ctx context.Context, query billing.TransactionQuery) ([]billing.Transaction, error) {
	statement, arguments := buildListTransactions(query)
	return store.listTransactions(ctx, statement, arguments...)
}

func (store *queries) ListPaymentsExpiringBetween(ctx context.Context, window billing.Window) ([]billing.Transaction, error) {
	return store.listTransactions(ctx, sqlListPaymentsExpiringBetween, int16(billing.KindPayment), window.Start.UTC(), window.End.UTC())
}

func (store *queries) ListTransactionsCreatedBetween(ctx context.Context, dateRange billing.DateRange, kind billing.TransactionKind) ([]billing.Transaction, error) {
	return store.listTransactions(ctx, sqlListTransactionsCreatedBetween, int16(kind), dateRange.Start.UTC(), dateRange.End.UTC())
}

func (store *queries) listTransactions(ctx context.Context, statement string, arguments ...any) ([]billing.Transaction, error) {
	rows, err := store.db.Query(ctx, statement, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]billing.Transaction, 0)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

// buildListTransactions renders the filtered listing with positional arguments, newest first.
func buildListTransactions(query billing.TransactionQuery) (string, []any) {
	conditions := []string{"u.email = $1"}
	arguments := []any{query.Username.String()}
	if query.Kind != nil {
		arguments = append(arguments, int16(*query.Kind))
		conditions = append(conditions, fmt.Sprintf("t.type = $%d", len(arguments)))
	}
	if query.CourseCode != nil {
		arguments = append(arguments, query.CourseCode.String())
		conditions = append(conditions, fmt.Sprintf("c.code = $%d", len(arguments)))
	}
	if query.SkipExpired {
		arguments = append(arguments, query.At.UTC())
		conditions = append(conditions, fmt.Sprintf("(t.expires_at is null or t.expires_at > $%d)", len(arguments)))
	}
	var builder strings.Builder
	builder.WriteString(sqlSelectTransactions)
	builder.WriteString("\t\twhere ")
	builder.WriteString(strings.Join(conditions, " and "))
	builder.WriteString("\n\t\torder by t.created_at desc, t.id desc\n")
	return builder.String(), arguments
}

func scanUser(row pgx.Row) (billing.User, error) {
	var (
		id           int64
		emailValue   string
		rolesValue   string
		balanceValue string
		version      int64
	)
	if err := row.Scan(&id, &emailValue, &rolesValue, &balanceValue, &version); err != nil {
		return billing.User{}, err
	}
	email, err := billing.NewEmail(emailValue)
	if err != nil {
		return billing.User{}, err
	}
	var roles []string
	if err := json.Unmarshal([]byte(rolesValue), &roles); err != nil {
		return billing.User{}, err
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return billing.User{}, err
	}
	return billing.User{
		ID:      billing.UserID(id),
		Email:   email,
		Balance: balance,
		Roles:   roles,
		Version: version,
	}, nil
}

func scanCourse(row pgx.Row) (billing.Course, error) {
	var (
		id         int64
		codeValue  string
		priceValue string
		typeValue  int16
	)
	if err := row.Scan(&id, &codeValue, &priceValue, &typeValue); err != nil {
		return billing.Course{}, err
	}
	return buildCourse(id, codeValue, priceValue, typeValue)
}

func buildCourse(id int64, codeValue string, priceValue string, typeValue int16) (billing.Course, error) {
	code, err := billing.NewCourseCode(codeValue)
	if err != nil {
		return billing.Course{}, err
	}
	price, err := decimal.NewFromString(priceValue)
	if err != nil {
		return billing.Course{}, err
	}
	courseType, err := billing.CourseTypeFromCode(typeValue)
	if err != nil {
		return billing.Course{}, err
	}
	return billing.Course{ID: billing.CourseID(id), Code: code, Type: courseType, Price: price}, nil
}

func scanTransaction(rows pgx.Rows) (billing.Transaction, error) {
	var (
		id          int64
		clientID    int64
		emailValue  string
		courseID    *int64
		courseCode  *string
		coursePrice *string
		courseType  *int16
		kindValue   int16
		amountValue string
		createdAt   time.Time
		expiresAt   *time.Time
	)
	err := rows.Scan(&id, &clientID, &emailValue, &courseID, &courseCode, &coursePrice, &courseType, &kindValue, &amountValue, &createdAt, &expiresAt)
	if err != nil {
		return billing.Transaction{}, err
	}
	email, err := billing.NewEmail(emailValue)
	if err != nil {
		return billing.Transaction{}, err
	}
	kind, err := billing.TransactionKindFromCode(kindValue)
	if err != nil {
		return billing.Transaction{}, err
	}
	amount, err := decimal.NewFromString(amountValue)
	if err != nil {
		return billing.Transaction{}, err
	}
	transaction := billing.Transaction{
		ID:          billing.TransactionID(id),
		ClientID:    billing.UserID(clientID),
		ClientEmail: email,
		Kind:        kind,
		Amount:      amount,
		CreatedAt:   createdAt.UTC(),
	}
	if courseID != nil {
		value := billing.CourseID(*courseID)
		transaction.CourseID = &value
	}
	if courseID != nil && courseCode != nil && coursePrice != nil && courseType != nil {
		course, err := buildCourse(*courseID, *courseCode, *coursePrice, *courseType)
		if err != nil {
			return billing.Transaction{}, err
		}
		transaction.Course = &course
	}
	if expiresAt != nil {
		value := expiresAt.UTC()
		transaction.ExpiresAt = &value
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
}
