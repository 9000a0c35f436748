package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

// GetEntitlement retrieves the entitlement record for a user.
// Returns (nil, nil) when the user has no billing history yet.
func (s *Store) GetEntitlement(userID string) (*entitlement.Record, error) {
	row := s.db.QueryRow(`
		SELECT user_id, status, plan, trial_end, current_period_end,
		       payment_failure_count, external_subscription_id,
		       external_customer_id, version, updated_at
		FROM entitlements WHERE user_id = ?`, userID)

	rec, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	return rec, nil
}

// GetEntitlementByCustomerID resolves a record through the external billing
// customer reference. Returns (nil, nil) when no record is linked to it.
func (s *Store) GetEntitlementByCustomerID(customerID string) (*entitlement.Record, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`
		SELECT user_id, status, plan, trial_end, current_period_end,
		       payment_failure_count, external_subscription_id,
		       external_customer_id, version, updated_at
		FROM entitlements WHERE external_customer_id = ?`, customerID)

	rec, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement by customer: %w", err)
	}
	return rec, nil
}

// PutEntitlement persists a record with an optimistic version check.
// expectedVersion 0 inserts a brand-new record; otherwise the write only
// lands if the stored version still matches. Either way the persisted
// record carries expectedVersion+1 and a fresh updated_at, and is returned.
func (s *Store) PutEntitlement(rec entitlement.Record, expectedVersion int64) (entitlement.Record, error) {
	next := rec.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now().UTC()

	if expectedVersion == 0 {
		_, err := s.db.Exec(`
			INSERT INTO entitlements (
				user_id, status, plan, trial_end, current_period_end,
				payment_failure_count, external_subscription_id,
				external_customer_id, version, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			next.UserID, string(next.Status), next.Plan,
			nullableTimeUnix(next.TrialEnd), nullableTimeUnix(next.CurrentPeriodEnd),
			next.PaymentFailureCount, next.ExternalSubscriptionID,
			next.ExternalCustomerID, next.Version, next.UpdatedAt.Unix(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return entitlement.Record{}, ErrConflict
			}
			return entitlement.Record{}, fmt.Errorf("insert entitlement: %w", err)
		}
		return next, nil
	}

	res, err := s.db.Exec(`
		UPDATE entitlements SET
			status = ?, plan = ?, trial_end = ?, current_period_end = ?,
			payment_failure_count = ?, external_subscription_id = ?,
			external_customer_id = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		string(next.Status), next.Plan,
		nullableTimeUnix(next.TrialEnd), nullableTimeUnix(next.CurrentPeriodEnd),
		next.PaymentFailureCount, next.ExternalSubscriptionID,
		next.ExternalCustomerID, next.Version, next.UpdatedAt.Unix(),
		next.UserID, expectedVersion,
	)
	if err != nil {
		return entitlement.Record{}, fmt.Errorf("update entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return entitlement.Record{}, fmt.Errorf("update entitlement: %w", err)
	}
	if affected == 0 {
		return entitlement.Record{}, ErrConflict
	}
	return next, nil
}

// CountEntitlementsByStatus returns how many records sit in each status.
func (s *Store) CountEntitlementsByStatus() (map[entitlement.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM entitlements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count entitlements: %w", err)
	}
	defer rows.Close()

	counts := make(map[entitlement.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count entitlements: %w", err)
		}
		parsed, _ := entitlement.ParseStatus(status)
		counts[parsed] += n
	}
	return counts, rows.Err()
}

// SearchEntitlements returns records whose user id or external customer id
// matches the wildcard pattern (`*` and `?` supported). A limit <= 0 means
// no limit.
func (s *Store) SearchEntitlements(pattern string, limit int) ([]entitlement.Record, error) {
	rows, err := s.db.Query(`
		SELECT user_id, status, plan, trial_end, current_period_end,
		       payment_failure_count, external_subscription_id,
		       external_customer_id, version, updated_at
		FROM entitlements ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("search entitlements: %w", err)
	}
	defer rows.Close()

	pattern = strings.TrimSpace(pattern)
	var out []entitlement.Record
	for rows.Next() {
		rec, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("search entitlements: %w", err)
		}
		if pattern != "" && !wildcard.Match(pattern, rec.UserID) &&
			!wildcard.Match(pattern, rec.ExternalCustomerID) {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func scanEntitlement(sc scanner) (*entitlement.Record, error) {
	var rec entitlement.Record
	var status string
	var trialEnd, periodEnd sql.NullInt64
	var updatedAt int64

	if err := sc.Scan(
		&rec.UserID, &status, &rec.Plan, &trialEnd, &periodEnd,
		&rec.PaymentFailureCount, &rec.ExternalSubscriptionID,
		&rec.ExternalCustomerID, &rec.Version, &updatedAt,
	); err != nil {
		return nil, err
	}

	// Fail closed on anything a migration or manual edit may have left
	// behind that the enum no longer recognizes.
	rec.Status, _ = entitlement.ParseStatus(status)
	rec.TrialEnd = timeFromNullUnix(trialEnd)
	rec.CurrentPeriodEnd = timeFromNullUnix(periodEnd)
	rec.UpdatedAt = unixTime(updatedAt)
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
