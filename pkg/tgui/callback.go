package tgui

import "strings"

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes,
// counting the full "group:action:payload" string.
const MaxCallbackDataLen = 64

// Data formats inline callback data as "group:action:payload".
// Payload is kept as-is. When the result would exceed MaxCallbackDataLen,
// park the payload in a TokenStore and pass the token instead.
func Data(group, action, payload string) string {
	group = strings.TrimSpace(group)
	action = strings.TrimSpace(action)
	if payload == "" {
		return group + ":" + action
	}
	return group + ":" + action + ":" + payload
}
