package model

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused    SubscriptionStatus = "PAUSED"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// CANCELLEDは終端
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusActive:    {SubscriptionStatusPaused, SubscriptionStatusCancelled},
	SubscriptionStatusPaused:    {SubscriptionStatusActive, SubscriptionStatusCancelled},
	SubscriptionStatusCancelled: {},
}

func (s SubscriptionStatus) CanTransitionTo(to SubscriptionStatus) bool {
	for _, next := range subscriptionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// 配送頻度
type PlanFrequency string

const (
	PlanFrequencyDaily         PlanFrequency = "DAILY"
	PlanFrequencyAlternateDays PlanFrequency = "ALTERNATE_DAYS"
	PlanFrequencyWeekly        PlanFrequency = "WEEKLY"
)

func ParsePlanFrequency(s string) (PlanFrequency, bool) {
	f := PlanFrequency(s)
	return f, f.IntervalDays() > 0
}

func (f PlanFrequency) IntervalDays() int {
	switch f {
	case PlanFrequencyDaily:
		return 1
	case PlanFrequencyAlternateDays:
		return 2
	case PlanFrequencyWeekly:
		return 7
	}
	return 0
}

// 次回配送日を求める。runDateより後になるまで頻度分ずつ進める
// （スイープが止まっていた日の分をまとめて請求しない）。
func (f PlanFrequency) NextAfter(current, runDate time.Time) time.Time {
	step := f.IntervalDays()
	if step <= 0 {
		return current
	}
	next := current.AddDate(0, 0, step)
	for !next.After(runDate) {
		next = next.AddDate(0, 0, step)
	}
	return next
}

type Subscription struct {
	ID        int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64 `gorm:"not null;index" json:"user_id"`
	ProductID int64 `gorm:"not null;index" json:"product_id"`
	Quantity  int64 `gorm:"not null;check:chk_subscriptions_quantity,quantity > 0" json:"quantity"`
	AddressID int64 `gorm:"not null" json:"address_id"`

	Frequency PlanFrequency      `gorm:"column:plan_frequency;type:varchar(20);not null" json:"plan_frequency"`
	Status    SubscriptionStatus `gorm:"type:varchar(20);not null;index:ix_subscriptions_due,priority:1" json:"status"`

	NextDeliveryDate time.Time `gorm:"type:date;not null;index:ix_subscriptions_due,priority:2" json:"next_delivery_date"`

	//申込時に固定した単価と割引率
	UnitPrice       int64 `gorm:"not null;check:chk_subscriptions_price,unit_price >= 0" json:"unit_price"`
	DiscountPercent int64 `gorm:"not null;default:0;check:chk_subscriptions_discount,discount_percent >= 0 AND discount_percent <= 100" json:"discount_percent"`

	GatewaySubscriptionID *string `gorm:"type:varchar(64);uniqueIndex" json:"gateway_subscription_id,omitempty"`
	GatewayCustomerID     string  `gorm:"type:varchar(64)" json:"-"`
	GatewayTokenID        string  `gorm:"type:varchar(64)" json:"-"`

	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// 1回分の金額（合計・割引）
func (s Subscription) CycleAmounts() (int64, int64) {
	total := s.UnitPrice * s.Quantity
	discount := total * s.DiscountPercent / 100
	return total, discount
}

// 日付だけに丸める（locのその日の0時）
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// locでのその日を、UTCの0時で表す（date列から読んだ値と同じ形）
func CalendarDate(t time.Time, loc *time.Location) time.Time {
	d := DateOf(t, loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
