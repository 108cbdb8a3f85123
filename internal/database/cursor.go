package database

import (
	"encoding/base64"
	"encoding/json"

	"coursechat/pkg/types"
)

// notificationCursor is the decoded form of the opaque notification page token.
type notificationCursor struct {
	Position int64 `json:"p"`
}

func encodeCursor(c notificationCursor) string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(cursor string) (notificationCursor, error) {
	var c notificationCursor
	if cursor == "" {
		return c, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return c, types.ErrInvalidCursor
	}
	if err := json.Unmarshal(data, &c); err != nil || c.Position <= 0 {
		return notificationCursor{}, types.ErrInvalidCursor
	}
	return c, nil
}
