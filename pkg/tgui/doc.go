// Package tgui renders bot replies for Telegram's HTML parse mode:
// escaped text fragments, a line-oriented message builder, inline
// keyboards, and callback-data helpers (including a TTL token store for
// payloads that exceed Telegram's 64-byte callback_data limit).
//
// Everything here is presentation only; it never talks to the network.
package tgui
