package webhooks

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Response status sentinels. Real HTTP statuses are non-negative.
const (
	// StatusPending marks a delivery that has been recorded but not yet
	// attempted.
	StatusPending = -2
	// StatusTimeout marks a delivery whose request did not complete in
	// time.
	StatusTimeout = -1
)

// MaxPayloadSize bounds stored payloads and response bodies. Longer content
// is truncated, not rejected.
const MaxPayloadSize = 65536

// Delivery is one attempt (or pending attempt) to post an event payload to
// a subscription URL.
type Delivery struct {
	ID              int64     `json:"-"`
	UUID            string    `json:"id"`
	Created         time.Time `json:"created"`
	Event           string    `json:"event"`
	URL             string    `json:"url"`
	Payload         string    `json:"payload"`
	PayloadHeaders  string    `json:"payload_headers"`
	Response        string    `json:"response"`
	ResponseStatus  int       `json:"response_status"`
	ResponseHeaders string    `json:"response_headers"`
	SubscriptionID  int64     `json:"-"`
}

// DeliveryStore persists delivery records for one resource.
type DeliveryStore struct {
	db       *sql.DB
	resource *Resource
}

// NewDeliveryStore creates the store and its table.
func NewDeliveryStore(db *sql.DB, resource *Resource) (*DeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &DeliveryStore{db: db, resource: resource}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("ensuring %s table: %w", resource.DeliveryTable(), err)
	}
	return s, nil
}

func (s *DeliveryStore) ensureTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			uuid UUID NOT NULL,
			created TIMESTAMP NOT NULL,
			event VARCHAR(256) NOT NULL,
			url VARCHAR(2048) NOT NULL,
			payload VARCHAR(65536) NOT NULL,
			payload_headers VARCHAR(16384) NOT NULL,
			response VARCHAR(65536),
			response_status INTEGER NOT NULL,
			response_headers VARCHAR(16384),
			subscription_id INTEGER NOT NULL REFERENCES %s(id)
		)`, s.resource.DeliveryTable(), s.resource.SubscriptionTable())
	_, err := s.db.Exec(query)
	return err
}

const deliveryColumns = `id, uuid, created, event, url, payload,
		payload_headers, response, response_status, response_headers,
		subscription_id`

func (s *DeliveryStore) scan(row interface{ Scan(...interface{}) error }) (*Delivery, error) {
	d := &Delivery{}
	var response, responseHeaders sql.NullString
	err := row.Scan(&d.ID, &d.UUID, &d.Created, &d.Event, &d.URL,
		&d.Payload, &d.PayloadHeaders, &response, &d.ResponseStatus,
		&responseHeaders, &d.SubscriptionID)
	if err != nil {
		return nil, err
	}
	d.Response = response.String
	d.ResponseHeaders = responseHeaders.String
	return d, nil
}

// Create inserts the delivery and assigns its id and creation time. New
// deliveries start pending with no response recorded.
func (s *DeliveryStore) Create(ctx context.Context, d *Delivery) error {
	d.Created = time.Now().UTC()
	d.ResponseStatus = StatusPending

	query := fmt.Sprintf(`
		INSERT INTO %s (uuid, created, event, url, payload,
			payload_headers, response, response_status,
			response_headers, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, NULL, $8)
		RETURNING id`, s.resource.DeliveryTable())
	err := s.db.QueryRowContext(ctx, query, d.UUID, d.Created, d.Event,
		d.URL, d.Payload, d.PayloadHeaders, d.ResponseStatus,
		d.SubscriptionID).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// GetByID returns the delivery, or nil when it does not exist.
func (s *DeliveryStore) GetByID(ctx context.Context, id int64) (*Delivery, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1",
		deliveryColumns, s.resource.DeliveryTable())
	d, err := s.scan(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting delivery: %w", err)
	}
	return d, nil
}

// GetByUUID returns the delivery with the given public identifier scoped to
// a subscription, or nil when it does not exist.
func (s *DeliveryStore) GetByUUID(ctx context.Context, subscriptionID int64, uuid string) (*Delivery, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE subscription_id = $1 AND uuid = $2",
		deliveryColumns, s.resource.DeliveryTable())
	d, err := s.scan(s.db.QueryRowContext(ctx, query, subscriptionID, uuid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting delivery: %w", err)
	}
	return d, nil
}

// ListBySubscription returns up to limit of the subscription's deliveries,
// newest first.
func (s *DeliveryStore) ListBySubscription(ctx context.Context, subscriptionID int64, limit int) ([]*Delivery, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE subscription_id = $1 ORDER BY id DESC LIMIT $2",
		deliveryColumns, s.resource.DeliveryTable())
	rows, err := s.db.QueryContext(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// RecordOutcome writes the attempt result, guarded by the status the caller
// read. Returns false when the row was updated concurrently.
func (s *DeliveryStore) RecordOutcome(ctx context.Context, d *Delivery, oldStatus int) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET response = $1, response_status = $2, response_headers = $3
		WHERE id = $4 AND response_status = $5`, s.resource.DeliveryTable())
	result, err := s.db.ExecContext(ctx, query, d.Response,
		d.ResponseStatus, d.ResponseHeaders, d.ID, oldStatus)
	if err != nil {
		return false, fmt.Errorf("recording delivery outcome: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording delivery outcome: %w", err)
	}
	return affected > 0, nil
}
