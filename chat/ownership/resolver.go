// Package ownership decides whether a message was written by the current user.
//
// Live frames and durable history do not carry sender identity in the same
// shape: a flat senderId, a nested sender object and a senderUsername may each
// be present or absent. The resolver accepts any of them, in a fixed order:
//
//  1. flat sender id equals the user id
//  2. nested sender id equals the user id
//  3. sender username (flat, then nested) equals the username
//
// Ids compare as strings, or numerically when both are integers.
package ownership

import (
	"strings"

	"github.com/adwski/storefront-chat/chat/model"
)

// IsOwnMessage is pure.
func IsOwnMessage(msg model.Message, user model.User) bool {
	if msg.SenderID.Equal(user.ID) {
		return true
	}
	if msg.Sender != nil && msg.Sender.ID.Equal(user.ID) {
		return true
	}
	return usernameMatches(msg, user.Username)
}

func usernameMatches(msg model.Message, username string) bool {
	username = strings.TrimSpace(username)
	if username == "" {
		return false
	}
	if strings.TrimSpace(msg.SenderUsername) == username {
		return true
	}
	return msg.Sender != nil && strings.TrimSpace(msg.Sender.Username) == username
}
