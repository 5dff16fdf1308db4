package migrator

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"
)

// failureClass says how the engine reacts to a failed target write.
type failureClass int

const (
	// failRow: the data is at fault; retry rows individually and catalogue
	// the ones that keep failing.
	failRow failureClass = iota
	// failTransient: the write may succeed if repeated.
	failTransient
	// failTable: nothing further can be written to this table.
	failTable
)

func (c failureClass) String() string {
	switch c {
	case failTransient:
		return "transient"
	case failTable:
		return "table"
	default:
		return "row"
	}
}

var transientCodes = []pq.ErrorCode{
	"55P03", // lock_not_available
	"57014", // query_canceled (statement_timeout)
	"57P01", // admin_shutdown
	"57P02", // crash_shutdown
	"57P03", // cannot_connect_now
	"53300", // too_many_connections
	"53200", // out_of_memory
}

var transientMessages = []string{
	"deadlock",
	"serialization failure",
	"connection reset",
	"connection refused",
	"broken pipe",
	"bad connection",
	"lock timeout",
}

// classifyWriteError maps a target write error to a failureClass.
func classifyWriteError(err error) failureClass {
	if err == nil {
		return failRow
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		for _, code := range transientCodes {
			if pqErr.Code == code {
				return failTransient
			}
		}
		switch pqErr.Code.Class() {
		case "22", "23":
			// data_exception, integrity_constraint_violation
			return failRow
		case "40", "08":
			// transaction_rollback (deadlock, serialization), connection_exception
			return failTransient
		case "28", "3D", "42", "53", "58", "XX":
			return failTable
		}
		return failRow
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return failTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return failTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return failTransient
		}
	}
	return failRow
}

// retryTransient runs op until it succeeds, fails with a non-transient error,
// or policy.MaxRetries retries are spent. notify is called before each retry.
func retryTransient(ctx context.Context, policy RetryPolicy, notify func(error, time.Duration), op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && classifyWriteError(err) != failTransient {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries)+1),
		backoff.WithNotify(notify),
	)
	return err
}
