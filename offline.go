package offline

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// storage keys for the three durable record families
const (
	storageKeyOps          = "ops"
	storageKeyCachePrefix  = "cache/"
	storageKeyUpdatePrefix = "update/"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := parseUuid(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type OpKind string

const (
	OpKindCreateProduct  OpKind = "create_product"
	OpKindUpdateProduct  OpKind = "update_product"
	OpKindDeleteProduct  OpKind = "delete_product"
	OpKindToggleFavorite OpKind = "toggle_favorite"
	OpKindUpdateProfile  OpKind = "update_profile"
	OpKindSendMessage    OpKind = "send_message"
)

// a deferred write, persisted until it is delivered or dropped
type Operation struct {
	OperationId Id             `json:"operation_id"`
	Kind        OpKind         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
}

type UpdateKind string

const (
	UpdateKindProductChanged         UpdateKind = "product_changed"
	UpdateKindInventoryChanged       UpdateKind = "inventory_changed"
	UpdateKindProfileChanged         UpdateKind = "profile_changed"
	UpdateKindBusinessProfileChanged UpdateKind = "business_profile_changed"
	UpdateKindFavoritesChanged       UpdateKind = "favorites_changed"
	UpdateKindMessageReceived        UpdateKind = "message_received"
	UpdateKindOrderChanged           UpdateKind = "order_changed"
)

type UpdateSource string

const (
	UpdateSourceManual UpdateSource = "manual"
	UpdateSourcePush   UpdateSource = "push"
)

// source tag for records stamped by the cascade table
func CascadeSource(kind UpdateKind) UpdateSource {
	return UpdateSource(fmt.Sprintf("cascade-from:%s", kind))
}

func (self UpdateSource) IsCascade() bool {
	return len(self) > len("cascade-from:") && self[:len("cascade-from:")] == "cascade-from:"
}

// latest change notification per kind. only the newest record is retained.
type UpdateRecord struct {
	Kind      UpdateKind     `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Source    UpdateSource   `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type ChannelState string

const (
	ChannelStateDisconnected ChannelState = "disconnected"
	ChannelStateConnecting   ChannelState = "connecting"
	ChannelStateConnected    ChannelState = "connected"
	ChannelStateReconnecting ChannelState = "reconnecting"
)

// snapshot of the realtime channel. IsConnected and IsConnecting are never
// both set. OfflineMode implies not connected and is terminal for the session.
type ConnectionState struct {
	State             ChannelState `json:"state"`
	IsConnected       bool         `json:"is_connected"`
	IsConnecting      bool         `json:"is_connecting"`
	LastError         string       `json:"last_error,omitempty"`
	IsServerAvailable bool         `json:"is_server_available"`
	OfflineMode       bool         `json:"offline_mode"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) UserId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.UserId, nil
}

type ByJwt struct {
	UserId       Id
	UserName     string
	BusinessId   Id
	BusinessName string
}

// parses claims without signature verification. the client uses the claims
// for routing only; the server verifies on every call.
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	if jwtStr == "" {
		return nil, errors.New("empty jwt")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if userName, ok := claims["user_name"].(string); ok {
		byJwt.UserName = userName
	}
	if businessIdStr, ok := claims["business_id"].(string); ok {
		if businessId, err := ParseId(businessIdStr); err == nil {
			byJwt.BusinessId = businessId
		}
	}
	if businessName, ok := claims["business_name"].(string); ok {
		byJwt.BusinessName = businessName
	}

	if (byJwt.UserId == Id{}) {
		return nil, errors.New("jwt missing user_id")
	}

	return byJwt, nil
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}
