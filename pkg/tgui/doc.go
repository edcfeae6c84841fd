// Package tgui builds Telegram HTML message text. Values of type H are
// already escaped; everything else passed in is treated as plain text.
package tgui
