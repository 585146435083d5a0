// Package model defines the rows mirrored between the remote service and the
// local store, plus the pending-operation record used for offline replay.
// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Mirrored table names. Local tables are named and keyed exactly like their
// remote counterparts so that sync is an upsert-by-id.
const (
	TableProductLists         = "product_lists"
	TableDynamicProducts      = "dynamic_products"
	TableDynamicProductsIndex = "dynamic_products_index"
	TableStockItems           = "stock_items"
	TableDeliveryNotes        = "delivery_notes"
	TableDeliveryNoteItems    = "delivery_note_items"
	TableMyStockProducts      = "my_stock_products"
	TableClients              = "clients"
	TableInvoices             = "invoices"
	TablePayments             = "payments"
)

// MirroredTables lists every table the local store mirrors, in pull order
// (parents before children).
var MirroredTables = []string{
	TableProductLists,
	TableDynamicProducts,
	TableDynamicProductsIndex,
	TableStockItems,
	TableDeliveryNotes,
	TableDeliveryNoteItems,
	TableMyStockProducts,
	TableClients,
	TableInvoices,
	TablePayments,
}

// PrimaryKeyColumn returns the primary key column for a mirrored table.
// Most tables key on "id"; the index and my-stock membership key on the
// product they describe.
func PrimaryKeyColumn(table string) string {
	switch table {
	case TableDynamicProductsIndex, TableMyStockProducts:
		return "product_id"
	default:
		return "id"
	}
}

// Operation constants for pending operations.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Delivery note statuses.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
)

// PendingOperation is one not-yet-confirmed mutation queued while offline.
// Replayed in insertion order; RetryCount increments on replay failure and an
// operation past MaxRetries is parked as a dead letter instead of being
// retried forever.
type PendingOperation struct {
	ID            int64           `json:"id"`
	TableName     string          `json:"table_name"`
	OperationType string          `json:"operation_type"`
	RecordID      string          `json:"record_id"`
	Data          json.RawMessage `json:"data,omitempty"`
	OpID          string          `json:"op_id,omitempty"`
	QueuedAt      time.Time       `json:"queued_at"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
}

// DataMap decodes the payload into a map, returning nil for empty payloads
// (DELETE operations carry none).
func (p *PendingOperation) DataMap() (map[string]any, error) {
	if len(p.Data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(p.Data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// AuthToken is the single persisted session row, read at startup when the
// remote auth endpoint cannot be reached.
type AuthToken struct {
	UserID       string
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
}

// StockAdjustment is an ephemeral per-product quantity delta, batched per
// delivery-note operation. OpID makes a retried batch detectable server-side.
type StockAdjustment struct {
	ProductID string `json:"product_id"`
	ListID    string `json:"list_id,omitempty"`
	Delta     int64  `json:"delta"`
	OpID      string `json:"op_id"`
}

// DeliveryNoteItem carries a quantity and a unit price snapshot decoupled
// from the live product price.
type DeliveryNoteItem struct {
	ID        string          `json:"id"`
	NoteID    string          `json:"note_id"`
	ProductID string          `json:"product_id"`
	ListID    string          `json:"list_id,omitempty"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// DeliveryNote is a point-in-time snapshot of a sale. RemainingBalance and
// Status are derived from TotalAmount/PaidAmount, never mutated on their own.
type DeliveryNote struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id,omitempty"`
	CustomerName  string          `json:"customer_name"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	Status        string          `json:"status"`
	Items         []DeliveryNoteItem
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// RemainingBalance returns total minus paid, floored at zero.
func (n *DeliveryNote) RemainingBalance() decimal.Decimal {
	rem := n.TotalAmount.Sub(n.PaidAmount)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Normalize recomputes TotalAmount from the items and derives Status:
// paid iff paid_amount >= total_amount.
func (n *DeliveryNote) Normalize() {
	total := decimal.Zero
	for _, it := range n.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}
	n.TotalAmount = total
	if n.PaidAmount.GreaterThanOrEqual(n.TotalAmount) {
		n.Status = StatusPaid
	} else {
		n.Status = StatusPending
	}
}

// StockDeltas returns the adjustments that applying this note implies:
// creating a note subtracts each item's quantity.
func (n *DeliveryNote) StockDeltas() []StockAdjustment {
	adjs := make([]StockAdjustment, 0, len(n.Items))
	for _, it := range n.Items {
		adjs = append(adjs, StockAdjustment{
			ProductID: it.ProductID,
			ListID:    it.ListID,
			Delta:     -it.Quantity,
		})
	}
	return adjs
}

// RevertDeltas returns the compensating adjustments for this note's items:
// deleting (or reverting before an edit) adds each quantity back.
func (n *DeliveryNote) RevertDeltas() []StockAdjustment {
	adjs := make([]StockAdjustment, 0, len(n.Items))
	for _, it := range n.Items {
		adjs = append(adjs, StockAdjustment{
			ProductID: it.ProductID,
			ListID:    it.ListID,
			Delta:     it.Quantity,
		})
	}
	return adjs
}

// ListMapping is a product list's price mapping configuration: how raw
// imported prices become the computed prices shown in the index.
type ListMapping struct {
	PriceAdjustmentPct decimal.Decimal `json:"price_adjustment_pct"` // margin/override, e.g. 15 for +15%
	CurrencyRate       decimal.Decimal `json:"currency_rate"`        // 1 when the list is already in local currency
	VATPct             decimal.Decimal `json:"vat_pct"`              // e.g. 21
	DecimalPlaces      int32           `json:"decimal_places"`
}

// DefaultListMapping is the identity mapping: no adjustment, rate 1, no VAT.
func DefaultListMapping() ListMapping {
	return ListMapping{
		PriceAdjustmentPct: decimal.Zero,
		CurrencyRate:       decimal.NewFromInt(1),
		VATPct:             decimal.Zero,
		DecimalPlaces:      2,
	}
}

// ComputePrice derives the index price from a raw product price:
// raw * rate * (1 + adjustment%) * (1 + vat%), rounded to DecimalPlaces.
func (m ListMapping) ComputePrice(raw decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	rate := m.CurrencyRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	price := raw.Mul(rate)
	price = price.Mul(decimal.NewFromInt(1).Add(m.PriceAdjustmentPct.Div(hundred)))
	price = price.Mul(decimal.NewFromInt(1).Add(m.VATPct.Div(hundred)))
	places := m.DecimalPlaces
	if places <= 0 {
		places = 2
	}
	return price.Round(places)
}
