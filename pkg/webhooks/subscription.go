package webhooks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Subscription is one registered webhook endpoint on a resource.
type Subscription struct {
	ID      int64     `json:"id"`
	Created time.Time `json:"created"`
	URL     string    `json:"url"`
	Events  []string  `json:"events"`
	UserID  int64     `json:"-"`
	TokenID int64     `json:"-"`
	// Extra holds resource-specific filter column values, keyed by column
	// name.
	Extra map[string]interface{} `json:"-"`
}

// HasEvent reports whether the subscription listens for the event.
func (s *Subscription) HasEvent(event string) bool {
	for _, ev := range s.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// Filter restricts subscription queries on a resource-specific column.
type Filter struct {
	Column string
	Value  interface{}
}

// SubscriptionStore persists subscriptions for one resource.
type SubscriptionStore struct {
	db       *sql.DB
	resource *Resource
}

// NewSubscriptionStore creates the store and its table.
func NewSubscriptionStore(db *sql.DB, resource *Resource) (*SubscriptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SubscriptionStore{db: db, resource: resource}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("ensuring %s table: %w", resource.SubscriptionTable(), err)
	}
	return s, nil
}

func (s *SubscriptionStore) ensureTable() error {
	var extras strings.Builder
	for _, col := range s.resource.extras {
		fmt.Fprintf(&extras, ",\n\t\t\t%s %s", col.Name, col.Type)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			created TIMESTAMP NOT NULL,
			url VARCHAR(2048) NOT NULL,
			events VARCHAR NOT NULL,
			user_id INTEGER NOT NULL REFERENCES users(id),
			token_id INTEGER NOT NULL REFERENCES oauthtoken(id)%s
		)`, s.resource.SubscriptionTable(), extras.String())
	_, err := s.db.Exec(query)
	return err
}

// columns returns the select list including extra columns, in declaration
// order so scans line up.
func (s *SubscriptionStore) columns() string {
	cols := []string{"id", "created", "url", "events", "user_id", "token_id"}
	for _, col := range s.resource.extras {
		cols = append(cols, col.Name)
	}
	return strings.Join(cols, ", ")
}

func (s *SubscriptionStore) scan(row interface{ Scan(...interface{}) error }) (*Subscription, error) {
	sub := &Subscription{}
	var events string
	dest := []interface{}{&sub.ID, &sub.Created, &sub.URL, &events,
		&sub.UserID, &sub.TokenID}
	extraVals := make([]interface{}, len(s.resource.extras))
	for i := range s.resource.extras {
		extraVals[i] = new(interface{})
		dest = append(dest, extraVals[i])
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	sub.Events = splitEvents(events)
	if len(s.resource.extras) > 0 {
		sub.Extra = make(map[string]interface{}, len(s.resource.extras))
		for i, col := range s.resource.extras {
			sub.Extra[col.Name] = *(extraVals[i].(*interface{}))
		}
	}
	return sub, nil
}

func splitEvents(flat string) []string {
	if flat == "" {
		return nil
	}
	parts := strings.Split(flat, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Create inserts the subscription and assigns its id and creation time.
func (s *SubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	sub.Created = time.Now().UTC()

	cols := []string{"created", "url", "events", "user_id", "token_id"}
	args := []interface{}{sub.Created, sub.URL, strings.Join(sub.Events, ","),
		sub.UserID, sub.TokenID}
	for _, col := range s.resource.extras {
		cols = append(cols, col.Name)
		args = append(args, sub.Extra[col.Name])
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		s.resource.SubscriptionTable(),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "))
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&sub.ID); err != nil {
		return fmt.Errorf("inserting subscription: %w", err)
	}
	return nil
}

// GetByID returns the subscription, or nil when it does not exist.
func (s *SubscriptionStore) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1",
		s.columns(), s.resource.SubscriptionTable())
	sub, err := s.scan(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting subscription: %w", err)
	}
	return sub, nil
}

// ListByToken returns up to limit subscriptions created with the given
// token, newest first, optionally restricted by extra-column filters.
func (s *SubscriptionStore) ListByToken(ctx context.Context, tokenID int64, limit int, filters ...Filter) ([]*Subscription, error) {
	conds := []string{"token_id = $1"}
	args := []interface{}{tokenID}
	for _, f := range filters {
		args = append(args, f.Value)
		conds = append(conds, fmt.Sprintf("%s = $%d", f.Column, len(args)))
	}
	args = append(args, limit)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id DESC LIMIT $%d",
		s.columns(), s.resource.SubscriptionTable(),
		strings.Join(conds, " AND "), len(args))
	return s.list(ctx, query, args...)
}

// Matching returns subscriptions whose flattened events column contains the
// event, restricted by extra-column filters. The LIKE scan is coarse;
// callers must re-check the parsed event list.
func (s *SubscriptionStore) Matching(ctx context.Context, event string, filters ...Filter) ([]*Subscription, error) {
	conds := []string{"events LIKE '%' || $1 || '%'"}
	args := []interface{}{event}
	for _, f := range filters {
		args = append(args, f.Value)
		conds = append(conds, fmt.Sprintf("%s = $%d", f.Column, len(args)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		s.columns(), s.resource.SubscriptionTable(), strings.Join(conds, " AND "))
	return s.list(ctx, query, args...)
}

func (s *SubscriptionStore) list(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Delete removes the subscription and its delivery history.
func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE subscription_id = $1",
		s.resource.DeliveryTable()), id); err != nil {
		return fmt.Errorf("deleting deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id = $1",
		s.resource.SubscriptionTable()), id); err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return tx.Commit()
}
