package finance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrjvadi/finance-rpc/storage"
)

// ID is a numeric identifier that also accepts a numeric JSON string, since
// the HTTP façade forwards path segments and query values as strings.
type ID uint64

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("id must not be null")
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	*id = ID(n)
	return nil
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type NewTransaction struct {
	UserID   ID      `json:"user_id"`
	Type     string  `json:"type"`
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
}

type TransactionQuery struct {
	UserID ID     `json:"user_id"`
	Type   string `json:"type"`
}

type TransactionRef struct {
	TransactionID ID `json:"transaction_id"`
}

type UserRef struct {
	UserID ID `json:"user_id"`
}

// TransactionView is how a transaction appears in a query response.
type TransactionView struct {
	ID        uint64  `json:"id"`
	Category  string  `json:"category"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at"`
}

func viewOf(t storage.Transaction) TransactionView {
	return TransactionView{
		ID:        t.ID,
		Category:  t.Category,
		Amount:    t.Amount,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
