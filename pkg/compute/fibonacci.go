// Package compute provides the CPU-bound work executed by worker task pools
package compute

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/jzx17/gofleet/pkg/types"
)

// checkEvery is how many iterations run between cancellation checks
const checkEvery = 1 << 14

// Request is the payload a worker submits to its task pool
type Request struct {
	// N is the Fibonacci index to compute
	N int `json:"n"`

	// RequestID correlates the task with the HTTP request that produced it
	RequestID string `json:"request_id"`

	// WorkerPID identifies the worker process that submitted the task
	WorkerPID int `json:"worker_pid"`
}

// ParseN parses a path argument as a non-negative base-10 integer no larger
// than limit. A limit of zero or less leaves n unbounded.
func ParseN(raw string, limit int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", types.ErrInvalidInput, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d is negative", types.ErrInvalidInput, n)
	}
	if limit > 0 && n > limit {
		return 0, fmt.Errorf("%w: %d exceeds the limit of %d", types.ErrInvalidInput, n, limit)
	}
	return n, nil
}

// Fibonacci returns F(n) with F(0)=0 and F(1)=1
func Fibonacci(ctx context.Context, n int) (*big.Int, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d is negative", types.ErrInvalidInput, n)
	}
	if n <= 1 {
		return big.NewInt(int64(n)), nil
	}

	a, b := big.NewInt(0), big.NewInt(1)
	for i := 2; i <= n; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		a.Add(a, b)
		a, b = b, a
	}
	return b, nil
}

// Execute is the task function run by worker pools
func Execute(ctx context.Context, req Request) (string, error) {
	v, err := Fibonacci(ctx, req.N)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}
