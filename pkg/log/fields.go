package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule         = "module"
	FieldNameComponent      = "component"
	FieldNameSessionID      = "sessionID"
	FieldNameUserID         = "userID"
	FieldNameConversationID = "conversationID"
	FieldNameEvent          = "event"
	FieldNameRemoteAddr     = "remoteAddr"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldSessionID(id string) zap.Field {
	return zap.String(FieldNameSessionID, id)
}

func FieldUserID(id string) zap.Field {
	return zap.String(FieldNameUserID, id)
}

func FieldConversationID(id string) zap.Field {
	return zap.String(FieldNameConversationID, id)
}

func FieldEvent(event string) zap.Field {
	return zap.String(FieldNameEvent, event)
}
