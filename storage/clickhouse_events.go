package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/nutthakorn7/zcrai-sub000/metrics"
	"go.uber.org/zap"
)

// EventQuery selects a tenant's events in [From, To] matching an opaque predicate
type EventQuery struct {
	TenantID  string
	Predicate string
	From      time.Time
	To        time.Time
	Limit     int
}

// Reserved row keys set from table columns; event fields with the same name are overwritten
const (
	EventFieldID        = "event_id"
	EventFieldTimestamp = "timestamp"
	EventFieldSource    = "source"
)

// eventQuerier is the subset of driver.Conn the event store needs
type eventQuerier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// ClickHouseEventStore runs detection rule predicates over the events table. Read-only.
type ClickHouseEventStore struct {
	conn         eventQuerier
	table        string
	queryTimeout time.Duration
	logger       *zap.SugaredLogger
}

// NewClickHouseEventStore creates an event store over an open ClickHouse connection
func NewClickHouseEventStore(ch *ClickHouse, logger *zap.SugaredLogger) *ClickHouseEventStore {
	return newEventStore(ch.Conn, ch.Config.EventsTable, ch.Config.QueryTimeout, logger)
}

func newEventStore(conn eventQuerier, table string, queryTimeout time.Duration, logger *zap.SugaredLogger) *ClickHouseEventStore {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &ClickHouseEventStore{
		conn:         conn,
		table:        table,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// Query returns matching events, newest first, as flat field maps
func (s *ClickHouseEventStore) Query(ctx context.Context, q EventQuery) ([]map[string]interface{}, error) {
	query, args, err := buildEventQuery(s.table, q)
	if err != nil {
		metrics.EventQueries.WithLabelValues("rejected").Inc()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		metrics.EventQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		var (
			eventID, source, fieldsData string
			timestamp                   time.Time
		)
		if err := rows.Scan(&eventID, &timestamp, &source, &fieldsData); err != nil {
			metrics.EventQueries.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		row := make(map[string]interface{})
		if fieldsData != "" {
			if err := json.Unmarshal([]byte(fieldsData), &row); err != nil {
				s.logger.Warnw("Event has unreadable fields column", "event_id", eventID, "error", err)
				row = make(map[string]interface{})
			}
		}
		row[EventFieldID] = eventID
		row[EventFieldTimestamp] = timestamp.UTC().Format(time.RFC3339Nano)
		row[EventFieldSource] = source
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		metrics.EventQueries.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	metrics.EventQueries.WithLabelValues("success").Inc()
	return results, nil
}

// buildEventQuery binds tenant, window and limit as parameters and appends the predicate
// as a parenthesised conjunct
func buildEventQuery(table string, q EventQuery) (string, []interface{}, error) {
	if err := validateIdentifier(table); err != nil {
		return "", nil, fmt.Errorf("invalid events table: %w", err)
	}
	if q.TenantID == "" {
		return "", nil, fmt.Errorf("tenant id is required")
	}
	if q.To.Before(q.From) {
		return "", nil, fmt.Errorf("invalid window: %s is before %s", q.To, q.From)
	}
	if q.Limit <= 0 {
		return "", nil, fmt.Errorf("limit must be positive")
	}

	predicate := strings.TrimSpace(q.Predicate)
	if err := ValidatePredicate(predicate); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT event_id, timestamp, source, fields FROM %s WHERE tenant_id = ? AND timestamp >= ? AND timestamp <= ?", table)
	if predicate != "" {
		b.WriteString(" AND (")
		b.WriteString(predicate)
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY timestamp DESC, event_id DESC LIMIT ?")

	return b.String(), []interface{}{q.TenantID, q.From.UTC(), q.To.UTC(), q.Limit}, nil
}

// ValidatePredicate rejects predicates that could escape the parenthesised WHERE conjunct:
// statement separators, comments, unbalanced parentheses and unterminated string literals.
func ValidatePredicate(predicate string) error {
	depth := 0
	var quote rune
	runes := []rune(predicate)

	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if quote != 0 {
			switch {
			case c == '\\':
				i++
			case c == quote && i+1 < len(runes) && runes[i+1] == quote:
				i++
			case c == quote:
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"', '`':
			quote = c
		case ';':
			return fmt.Errorf("%w: statement separator", ErrInvalidPredicate)
		case '#':
			return fmt.Errorf("%w: comment", ErrInvalidPredicate)
		case '-':
			if i+1 < len(runes) && runes[i+1] == '-' {
				return fmt.Errorf("%w: comment", ErrInvalidPredicate)
			}
		case '/':
			if i+1 < len(runes) && runes[i+1] == '*' {
				return fmt.Errorf("%w: comment", ErrInvalidPredicate)
			}
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unbalanced parentheses", ErrInvalidPredicate)
			}
		}
	}

	if quote != 0 {
		return fmt.Errorf("%w: unterminated string literal", ErrInvalidPredicate)
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced parentheses", ErrInvalidPredicate)
	}
	return nil
}
