package domain

// ChannelStatus is the connection state reported by a channel driver.
type ChannelStatus string

const (
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelPairing      ChannelStatus = "pairing"
)

func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelConnecting, ChannelConnected, ChannelDisconnected, ChannelPairing:
		return true
	}
	return false
}

// MessageStatus is the delivery lifecycle of one outbound message.
//
//	pending -> queued -> processing -> sent -> delivered
//	                                \-> failed
//	pending|queued -> cancelled
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageQueued     MessageStatus = "queued"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageDelivered  MessageStatus = "delivered"
	MessageFailed     MessageStatus = "failed"
	MessageCancelled  MessageStatus = "cancelled"
)

// Terminal reports whether the message has left the dispatch pipeline.
// A sent message may still be promoted to delivered.
func (s MessageStatus) Terminal() bool {
	switch s {
	case MessageSent, MessageDelivered, MessageFailed, MessageCancelled:
		return true
	}
	return false
}

// Dispatchable reports whether a consumer may claim the message.
func (s MessageStatus) Dispatchable() bool {
	return s == MessagePending || s == MessageQueued
}

type CampaignType string

const (
	CampaignBulk      CampaignType = "bulk"
	CampaignBirthday  CampaignType = "birthday"
	CampaignScheduled CampaignType = "scheduled"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)
