// Package finance holds the six request handlers of the finance backend and
// the names of the queues they serve.
package finance

import (
	"context"
	"errors"

	"github.com/mrjvadi/finance-rpc/broker"
	"github.com/mrjvadi/finance-rpc/storage"
)

const (
	QueueRegister          = "register"
	QueueLogin             = "login"
	QueueTransactionCreate = "transaction-create"
	QueueTransactionQuery  = "transaction-query"
	QueueTransactionDelete = "transaction-delete"
	QueueUserDelete        = "user-delete"
)

// Queues lists every queue the finance worker consumes.
func Queues() []string {
	return []string{
		QueueRegister,
		QueueLogin,
		QueueTransactionCreate,
		QueueTransactionQuery,
		QueueTransactionDelete,
		QueueUserDelete,
	}
}

var errMissingCredentials = errors.New("username and password are required")

// Store is the storage the handlers need. *storage.Store implements it.
type Store interface {
	CreateUser(ctx context.Context, username, password string) (uint64, error)
	AuthenticateUser(ctx context.Context, username, password string) (uint64, bool, error)
	AddTransaction(ctx context.Context, userID uint64, kind, category string, amount float64) (uint64, error)
	ListTransactions(ctx context.Context, userID uint64, kind string) ([]storage.Transaction, error)
	DeleteTransaction(ctx context.Context, id uint64) error
	DeleteUser(ctx context.Context, id uint64) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register binds all six handlers to r.
func Register(r broker.Registrar, store Store) {
	NewService(store).Register(r)
}

func (s *Service) Register(r broker.Registrar) {
	r.Handle(QueueRegister, s.register)
	r.Handle(QueueLogin, s.login)
	r.Handle(QueueTransactionCreate, s.createTransaction)
	r.Handle(QueueTransactionQuery, s.queryTransactions)
	r.Handle(QueueTransactionDelete, s.deleteTransaction)
	r.Handle(QueueUserDelete, s.deleteUser)
}

func (s *Service) register(c *broker.Context) (broker.Result, error) {
	var in Credentials
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if in.Username == "" || in.Password == "" {
		return nil, errMissingCredentials
	}
	id, err := s.store.CreateUser(c.Ctx(), in.Username, in.Password)
	if err != nil {
		return nil, err
	}
	return broker.Result{"user_id": id}, nil
}

// login never says why it failed: the body is just a null user id.
func (s *Service) login(c *broker.Context) (broker.Result, error) {
	denied := broker.Failure("", broker.Result{"user_id": nil})

	var in Credentials
	if err := c.Bind(&in); err != nil {
		return nil, denied
	}
	id, ok, err := s.store.AuthenticateUser(c.Ctx(), in.Username, in.Password)
	if err != nil || !ok {
		return nil, denied
	}
	return broker.Result{"user_id": id}, nil
}

func (s *Service) createTransaction(c *broker.Context) (broker.Result, error) {
	var in NewTransaction
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, errors.New("transaction type is required")
	}
	id, err := s.store.AddTransaction(c.Ctx(), uint64(in.UserID), in.Type, in.Category, in.Amount)
	if err != nil {
		return nil, err
	}
	return broker.Result{"transaction_id": id}, nil
}

func (s *Service) queryTransactions(c *broker.Context) (broker.Result, error) {
	var in TransactionQuery
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(c.Ctx(), uint64(in.UserID), in.Type)
	if err != nil {
		return nil, err
	}
	views := make([]TransactionView, 0, len(txs))
	for _, t := range txs {
		views = append(views, viewOf(t))
	}
	return broker.Result{"transactions": views}, nil
}

func (s *Service) deleteTransaction(c *broker.Context) (broker.Result, error) {
	var in TransactionRef
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if err := s.store.DeleteTransaction(c.Ctx(), uint64(in.TransactionID)); err != nil {
		return nil, err
	}
	return broker.Result{}, nil
}

func (s *Service) deleteUser(c *broker.Context) (broker.Result, error) {
	var in UserRef
	if err := c.Bind(&in); err != nil {
		return nil, err
	}
	if err := s.store.DeleteUser(c.Ctx(), uint64(in.UserID)); err != nil {
		return nil, err
	}
	return broker.Result{}, nil
}
