// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/cloud"
	"github.com/jeranaias/rigrun-relay/internal/model"
)

// User-facing replies.
const (
	MsgEmptyText    = "Send me a message and I'll pass it to the selected model."
	MsgRateLimited  = "You're sending messages too fast. Please wait a moment and try again."
	MsgInternal     = "Something went wrong while handling your message. Please try again."
	MsgTimeout      = "Sorry, the model took too long to answer. Please try again."
	MsgTransport    = "Sorry, I couldn't reach the model service. Please try again shortly."
	MsgProtocol     = "Sorry, the model sent back an answer I couldn't read. Please try again."
	MsgUpstream     = "Sorry, the model service returned an error. Please try again later."
	MsgAuth         = "Sorry, the model service rejected our credentials. The operator has been notified in the logs."
	MsgCredits      = "Sorry, the model service account is out of credits."
	MsgModelMissing = "Sorry, the selected model is not available right now. Try another one with /model."
	MsgUpstreamBusy = "Sorry, the model service is busy. Please try again in a minute."
)

// UnknownModelMessage is returned verbatim when a requested model key is not
// registered.
func UnknownModelMessage(key string, reg *model.Registry) string {
	return fmt.Sprintf("Unknown model %q. Available models: %s.", key, strings.Join(reg.Keys(), ", "))
}

// TooLongMessage asks the user to shorten a message of n characters.
func TooLongMessage(n int) string {
	return fmt.Sprintf("Your message is %d characters long; the limit is %d. Please shorten it and try again.", n, MaxPromptChars)
}

// ModelSelectedMessage confirms a model switch that carried no prompt.
func ModelSelectedMessage(d model.Descriptor) string {
	return fmt.Sprintf("Model switched to %s.", d.Title())
}

// apology maps a dispatch error to a short apologetic reply.
func apology(err error) string {
	switch {
	case cloud.Kind(err) == cloud.KindTimeout:
		return MsgTimeout
	case cloud.Kind(err) == cloud.KindTransport:
		return MsgTransport
	case cloud.Kind(err) == cloud.KindProtocol:
		return MsgProtocol
	}

	switch cloud.Status(err) {
	case 0:
		return MsgInternal
	case 401, 403:
		return MsgAuth
	case 402:
		return MsgCredits
	case 404:
		return MsgModelMissing
	case 429, 502, 503:
		return MsgUpstreamBusy
	default:
		return MsgUpstream
	}
}
