// Package txn groups related writes under a transaction id. Transactions
// here are advisory: begin/commit/rollback maintain bookkeeping and counters
// only. Writes already applied before a rollback are not undone; the only
// atomicity the engine promises is the per-file temp+rename write.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskvault/internal/model"
)

// Coordinator tracks the set of in-flight transactions.
type Coordinator struct {
	mu         sync.Mutex
	active     map[string]*model.Transaction
	committed  int64
	rolledBack int64
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{active: make(map[string]*model.Transaction)}
}

// Begin creates an in-memory transaction record and returns it.
func (c *Coordinator) Begin(isolationLevel string) *model.Transaction {
	if isolationLevel == "" {
		isolationLevel = "read_committed"
	}
	tx := &model.Transaction{
		ID:             uuid.NewString(),
		IsolationLevel: isolationLevel,
		StartedAt:      time.Now().UTC(),
	}
	c.mu.Lock()
	c.active[tx.ID] = tx
	c.mu.Unlock()
	return tx
}

// Record appends an operation to the transaction's log. Recording against an
// unknown transaction is a no-op: the write itself has already happened.
func (c *Coordinator) Record(txID, kind, entityType, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.active[txID]
	if !ok {
		return
	}
	tx.Operations = append(tx.Operations, model.TxOperation{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		At:         time.Now().UTC(),
	})
}

// Commit removes the transaction and increments the committed counter.
func (c *Coordinator) Commit(txID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[txID]; !ok {
		return fmt.Errorf("commit unknown transaction %q", txID)
	}
	delete(c.active, txID)
	c.committed++
	return nil
}

// Rollback discards the transaction record. No applied writes are undone.
func (c *Coordinator) Rollback(txID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[txID]; !ok {
		return fmt.Errorf("rollback unknown transaction %q", txID)
	}
	delete(c.active, txID)
	c.rolledBack++
	return nil
}

// ActiveIDs returns the ids of every in-flight transaction.
func (c *Coordinator) ActiveIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// Committed returns the number of committed transactions.
func (c *Coordinator) Committed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// RolledBack returns the number of rolled-back transactions.
func (c *Coordinator) RolledBack() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rolledBack
}
