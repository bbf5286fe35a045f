package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrConfirmTimeout signals the receipt did not appear before the caller's
// deadline. It does not mean the transaction failed; it may still be
// included later.
var ErrConfirmTimeout = errors.New("ledger: confirmation timed out")

const receiptPollInterval = 50 * time.Millisecond

// Client exposes the ledger the way an off-process node client would:
// context-aware reads, simulation, submission, and confirmation waits.
// The settlement engine depends on this surface, never on *Ledger directly.
type Client struct {
	l *Ledger
}

func NewClient(l *Ledger) *Client {
	return &Client{l: l}
}

// BalanceAt returns an account's current balance.
func (c *Client) BalanceAt(ctx context.Context, addr Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.l.Balance(addr), nil
}

// SuggestGasPrice quotes the network's current per-unit price.
func (c *Client) SuggestGasPrice(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.l.GasPrice(), nil
}

// Simulate dry-runs the call and returns the gas it metered. A non-nil
// error means the call would fail if submitted as-is.
func (c *Client) Simulate(ctx context.Context, call Call) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	_, gasUsed, err := c.l.SimulateCall(call)
	if err != nil {
		return gasUsed, fmt.Errorf("ledger: simulation: %w", err)
	}
	return gasUsed, nil
}

// Submit sends the call for inclusion and returns its transaction hash.
func (c *Client) Submit(ctx context.Context, call Call) (Hash, error) {
	if err := ctx.Err(); err != nil {
		return Hash{}, err
	}
	return c.l.SubmitTransaction(call)
}

// WaitForReceipt blocks until the transaction is included or the context
// expires. Expiry surfaces as ErrConfirmTimeout so callers can tell a slow
// confirmation apart from a failed one.
func (c *Client) WaitForReceipt(ctx context.Context, txID Hash) (*Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		if r, ok := c.l.Receipt(txID); ok {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: tx %s: %v", ErrConfirmTimeout, txID, ctx.Err())
		case <-ticker.C:
		}
	}
}
