// Package domain holds the records that flow between the delivery engine's
// components: channels, messages, payloads, campaigns and recipients.
package domain
