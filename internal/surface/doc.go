// Package surface implements the operator's chat control flow: the menu
// tree, remote browsing screens, file delivery and broadcast management.
// It is transport-agnostic; the Telegram client plugs in as its Sender.
package surface
