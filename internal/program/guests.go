package program

import (
	"github.com/holiman/uint256"

	"github.com/kroma-network/kroma-proof-publisher/internal/encoding"
)

const (
	IsEvenName    = "IS_EVEN"
	FibonacciName = "FIBONACCI"

	// fibonacciMaxBits bounds n so the guest terminates in reasonable time.
	fibonacciMaxBits = 16
)

// IsEven commits (number, even) for a 256-bit number.
func IsEven() *Guest {
	return NewGuest(IsEvenName, 1,
		encoding.NewSchema(encoding.Uint256("number", 256)),
		encoding.NewSchema(encoding.Uint256("number", 256), encoding.Bool("even")),
		func(args []any) ([]any, error) {
			number := args[0].(*uint256.Int)
			return []any{number, number[0]&1 == 0}, nil
		},
	)
}

// Fibonacci commits (n, fib(n)) with fib(1) = fib(2) = 1, wrapping at 2^256.
func Fibonacci() *Guest {
	return NewGuest(FibonacciName, 1,
		encoding.NewSchema(encoding.Uint256("n", fibonacciMaxBits)),
		encoding.NewSchema(encoding.Uint256("n", fibonacciMaxBits), encoding.Uint256("result", 256)),
		func(args []any) ([]any, error) {
			n := args[0].(*uint256.Int)
			return []any{n, fibonacci(n.Uint64())}, nil
		},
	)
}

func fibonacci(n uint64) *uint256.Int {
	prev, curr := uint256.NewInt(1), uint256.NewInt(1)
	for i := uint64(2); i < n; i++ {
		prev, curr = curr, new(uint256.Int).Add(prev, curr)
	}
	return curr
}
