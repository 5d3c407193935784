package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ItemType classifies invoice line items. Charge items carry positive
// amounts; repair, item and credit adjustments carry negative amounts;
// credit-balance (CBA) adjustments carry either sign.
type ItemType string

const (
	ItemTypeFixed          ItemType = "FIXED"
	ItemTypeRecurring      ItemType = "RECURRING"
	ItemTypeRepairAdj      ItemType = "REPAIR_ADJ"
	ItemTypeItemAdj        ItemType = "ITEM_ADJ"
	ItemTypeCBAAdj         ItemType = "CBA_ADJ"
	ItemTypeCreditAdj      ItemType = "CREDIT_ADJ"
	ItemTypeExternalCharge ItemType = "EXTERNAL_CHARGE"
	ItemTypeParentSummary  ItemType = "PARENT_SUMMARY"
	ItemTypeUsage          ItemType = "USAGE"
)

// IsCharge reports whether the type contributes to the charged total.
func (t ItemType) IsCharge() bool {
	switch t {
	case ItemTypeFixed, ItemTypeRecurring, ItemTypeExternalCharge, ItemTypeParentSummary, ItemTypeUsage:
		return true
	}
	return false
}

// IsAdjustment reports whether the type reduces a specific linked item.
func (t ItemType) IsAdjustment() bool {
	return t == ItemTypeRepairAdj || t == ItemTypeItemAdj
}

// InvoiceStatus is the invoice lifecycle. DRAFT transitions to COMMITTED
// exactly once and never reverts.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusCommitted InvoiceStatus = "COMMITTED"
)

// InvoiceItem is one append-only entry in the account's item ledger.
// Committed items are never mutated or deleted; corrections arrive as new
// items referencing the original through LinkedItemID.
type InvoiceItem struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	InvoiceID      snowflake.ID      `gorm:"not null;index"`
	AccountID      snowflake.ID      `gorm:"not null;index"`
	SubscriptionID snowflake.ID      `gorm:"index"`
	LinkedItemID   *snowflake.ID     `gorm:"index"`
	ChildItemID    *snowflake.ID     `gorm:"index"`
	Type           ItemType          `gorm:"type:text;not null"`
	PlanCode       string            `gorm:"type:text"`
	PhaseCode      string            `gorm:"type:text"`
	StartDate      time.Time         `gorm:"not null"`
	EndDate        time.Time         `gorm:"not null"`
	AmountCents    int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	Description    string            `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// Invoice groups items generated for one (account, target date) pass.
type Invoice struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	AccountID   snowflake.ID  `gorm:"not null;index"`
	Status      InvoiceStatus `gorm:"type:text;not null;default:'DRAFT'"`
	IsParent    bool          `gorm:"not null;default:false"`
	TargetDate  time.Time     `gorm:"not null"`
	Currency    string        `gorm:"type:text;not null"`
	CommittedAt *time.Time    `gorm:"column:committed_at"`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Items []InvoiceItem `gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// ChargedCents sums the charge items.
func ChargedCents(items []InvoiceItem) int64 {
	var total int64
	for _, item := range items {
		if item.Type.IsCharge() {
			total += item.AmountCents
		}
	}
	return total
}

// ItemTotalCents sums every item, adjustments and CBA included.
func ItemTotalCents(items []InvoiceItem) int64 {
	var total int64
	for _, item := range items {
		total += item.AmountCents
	}
	return total
}

// BalanceCents is the invoice balance given its items and the processor-
// confirmed paid amount. The CBA rebalancer guarantees this never goes
// negative for persisted invoices.
func BalanceCents(items []InvoiceItem, paidCents int64) int64 {
	return ItemTotalCents(items) - paidCents
}

// RemainingCents is the portion of a charge item not yet consumed by
// linked repair or item adjustments.
func RemainingCents(item InvoiceItem, all []InvoiceItem) int64 {
	remaining := item.AmountCents
	for _, other := range all {
		if other.Type.IsAdjustment() && other.LinkedItemID != nil && *other.LinkedItemID == item.ID {
			remaining += other.AmountCents
		}
	}
	return remaining
}

// CBACents is the account credit reserve, fully derived from the ledger:
// positive CBA items generate credit, negative ones consume it.
func CBACents(items []InvoiceItem) int64 {
	var total int64
	for _, item := range items {
		if item.Type == ItemTypeCBAAdj {
			total += item.AmountCents
		}
	}
	return total
}
