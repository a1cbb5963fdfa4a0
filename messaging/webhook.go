package messaging

import (
	"net/url"
	"strings"
)

// TwilioStatus maps a Twilio MessageStatus to a Status. Intermediate states
// such as queued or sending are not recorded.
func TwilioStatus(raw string) (Status, bool) {
	switch strings.ToLower(raw) {
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "failed", "undelivered":
		return StatusFailed, true
	}
	return "", false
}

// ParseTwilioInbound reads an inbound SMS webhook form.
func ParseTwilioInbound(form url.Values) Inbound {
	return Inbound{
		Channel:           ChannelSMS,
		From:              form.Get("From"),
		To:                form.Get("To"),
		Body:              form.Get("Body"),
		ProviderMessageID: form.Get("MessageSid"),
	}
}

// ParseTwilioStatus reads a status callback form. ok is false for statuses
// that are not tracked.
func ParseTwilioStatus(form url.Values) (StatusUpdate, bool) {
	status, ok := TwilioStatus(form.Get("MessageStatus"))
	if !ok {
		return StatusUpdate{}, false
	}
	upd := StatusUpdate{ProviderMessageID: form.Get("MessageSid"), Status: status}
	if code := form.Get("ErrorCode"); code != "" {
		upd.Error = "twilio error " + code
	}
	return upd, true
}
