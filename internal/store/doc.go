package store

// Package store persists the bot's durable state:
//   - Subscriptions (who tracks which repository, how often, and the
//     last release each subscriber was told about)
//   - Per-subscriber platform credentials
//   - The notification outbox (marker updates and their pending sends)
