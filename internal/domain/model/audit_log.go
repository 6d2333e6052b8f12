package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// 在庫更新、注文ステータス更新など。
type AuditAction string

const (
	//管理者が在庫を調整した操作。
	AuditActionUpdateStock AuditAction = "UPDATE_STOCK"
	//注文確定で在庫を引き当てた。
	AuditActionReserveStock AuditAction = "RESERVE_STOCK"
	//キャンセル・返金で在庫を戻した。
	AuditActionReleaseStock AuditAction = "RELEASE_STOCK"
	AuditActionUpdatePrice  AuditAction = "UPDATE_PRICE"
	AuditActionCreateOrder  AuditAction = "CREATE_ORDER"
	//注文ステータスを更新した操作。
	AuditActionUpdateOrderStatus        AuditAction = "UPDATE_ORDER_STATUS"
	AuditActionUpdatePaymentStatus      AuditAction = "UPDATE_PAYMENT_STATUS"
	AuditActionUpdateSubscriptionStatus AuditAction = "UPDATE_SUBSCRIPTION_STATUS"
	AuditActionAdvanceSubscription      AuditAction = "ADVANCE_SUBSCRIPTION"
	AuditActionUpdateUserRole           AuditAction = "UPDATE_USER_ROLE"
)

// 何に対する操作か
type AuditResourceType string

const (
	AuditResourceProduct      AuditResourceType = "product"
	AuditResourceOrder        AuditResourceType = "order"
	AuditResourcePayment      AuditResourceType = "payment"
	AuditResourceSubscription AuditResourceType = "subscription"
	AuditResourceUser         AuditResourceType = "user"
)

// 操作主体の種類
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorAdmin   ActorType = "admin"
	ActorSystem  ActorType = "system"
	ActorGateway ActorType = "gateway"
)

// 監査ログの「誰が」
type Actor struct {
	UserID int64
	Type   ActorType
}

func UserActor(userID int64) Actor  { return Actor{UserID: userID, Type: ActorUser} }
func AdminActor(userID int64) Actor { return Actor{UserID: userID, Type: ActorAdmin} }

var (
	SystemActor  = Actor{Type: ActorSystem}
	GatewayActor = Actor{Type: ActorGateway}
)

// 監査ログ（追記のみ。更新・削除しない）。
// 「誰が」「何を」「どの対象に」「どう変えたか」を残す。
type AuditLog struct {
	ID int64 `gorm:"primaryKey;autoIncrement" json:"id"`

	//操作したユーザーのID。システム・ゲートウェイ起点は0。
	ActorUserID int64     `gorm:"not null;index" json:"actor_user_id"`
	ActorType   ActorType `gorm:"type:varchar(20);not null" json:"actor_type"`

	Action       AuditAction       `gorm:"type:varchar(50);not null;index" json:"action"`
	ResourceType AuditResourceType `gorm:"type:varchar(50);not null;index" json:"resource_type"`
	ResourceID   int64             `gorm:"not null;index" json:"resource_id"`

	Before datatypes.JSON `gorm:"type:jsonb" json:"before"`
	After  datatypes.JSON `gorm:"type:jsonb" json:"after"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

// before/after をJSON化して監査ログを組み立てる
func NewAuditLog(actor Actor, action AuditAction, resType AuditResourceType, resID int64, before, after any, now time.Time) (AuditLog, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return AuditLog{}, err
	}
	a, err := json.Marshal(after)
	if err != nil {
		return AuditLog{}, err
	}
	return AuditLog{
		ActorUserID:  actor.UserID,
		ActorType:    actor.Type,
		Action:       action,
		ResourceType: resType,
		ResourceID:   resID,
		Before:       datatypes.JSON(b),
		After:        datatypes.JSON(a),
		CreatedAt:    now,
	}, nil
}
